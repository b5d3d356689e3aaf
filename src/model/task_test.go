// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to TaskStatus }{
		{TaskWaitingStatus, TaskStartingStatus},
		{TaskWaitingStatus, TaskStoppedStatus},
		{TaskStartingStatus, TaskRunningStatus},
		{TaskStartingStatus, TaskFailStatus},
		{TaskStartingStatus, TaskStoppedStatus},
		{TaskRunningStatus, TaskSuccessStatus},
		{TaskRunningStatus, TaskFailStatus},
		{TaskRunningStatus, TaskStoppedStatus},
	}
	for _, tc := range allowed {
		got, err := Transition(tc.from, tc.to)
		require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.to, got)
	}

	denied := []struct{ from, to TaskStatus }{
		{TaskWaitingStatus, TaskRunningStatus},
		{TaskWaitingStatus, TaskSuccessStatus},
		{TaskStartingStatus, TaskSuccessStatus},
		{TaskSuccessStatus, TaskRunningStatus},
		{TaskFailStatus, TaskStoppedStatus},
		{TaskStoppedStatus, TaskWaitingStatus},
	}
	for _, tc := range denied {
		got, err := Transition(tc.from, tc.to)
		assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.from, got)
	}
}

func TestTaskStatusIsFinished(t *testing.T) {
	assert.True(t, TaskSuccessStatus.IsFinished())
	assert.True(t, TaskFailStatus.IsFinished())
	assert.True(t, TaskStoppedStatus.IsFinished())
	assert.False(t, TaskWaitingStatus.IsFinished())
	assert.False(t, TaskRunningStatus.IsFinished())
	assert.False(t, TaskStatus("confirmed").IsValid())
}

func TestTaskValidate(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Minute)

	task := Task{Status: TaskSuccessStatus, Start: &earlier, End: &now}
	assert.NoError(t, task.Validate())

	task = Task{Status: TaskSuccessStatus, Start: &now, End: &earlier}
	assert.Error(t, task.Validate())

	task = Task{Status: TaskRunningStatus, Start: &now, End: &now}
	assert.Error(t, task.Validate())

	task = Task{Status: TaskStoppedStatus}
	assert.Error(t, task.Validate())
}

func TestTaskParams(t *testing.T) {
	task := Task{}
	var empty AnsibleTaskParams
	require.NoError(t, task.ExtractParams(&empty))

	require.NoError(t, task.SetParams(AnsibleTaskParams{Diff: true, Limit: []string{"web"}}))

	var p AnsibleTaskParams
	require.NoError(t, task.ExtractParams(&p))
	assert.True(t, p.Diff)
	assert.Equal(t, []string{"web"}, p.Limit)
}

func TestGetNextBuildVersion(t *testing.T) {
	v := func(s string) *string { return &s }

	assert.Equal(t, "1.0.0", GetNextBuildVersion("1.0.0", nil))
	assert.Equal(t, "1.0.1", GetNextBuildVersion("1.0.0", v("1.0.0")))
	assert.Equal(t, "v2.10-rc", GetNextBuildVersion("v1", v("v2.9-rc")))
	assert.Equal(t, "start", GetNextBuildVersion("start", v("none")))
}

func TestRepositoryType(t *testing.T) {
	cases := map[string]RepositoryType{
		"/srv/repo":                        RepositoryLocal,
		"file:///fixtures/repo-a":          RepositoryFile,
		"git@github.com:org/repo.git":      RepositorySSH,
		"ssh://git@example.com/repo.git":   RepositorySSH,
		"https://example.com/org/repo.git": RepositoryHTTP,
		"git://example.com/org/repo.git":   RepositoryGit,
	}
	for url, want := range cases {
		assert.Equal(t, want, Repository{GitURL: url}.GetType(), url)
	}
	assert.Error(t, Repository{Name: "r", GitURL: "  "}.Validate())
}

func TestTemplateValidate(t *testing.T) {
	tpl := Template{Name: "t", App: AppBash}
	assert.NoError(t, tpl.Validate())

	tpl.App = "cobol"
	assert.Error(t, tpl.Validate())

	tpl = Template{Name: "b", App: AppTerraform, Type: TemplateBuild}
	assert.Error(t, tpl.Validate())
}
