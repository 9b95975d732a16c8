package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	c := &Context{
		Matrix: map[string]string{"version": "3.8", "python-version": "3.9"},
		Env:    map[string]string{"GREETING": "hello"},
		Event:  Event{Kind: TriggerKindPush, Branch: "master", Commit: "abc123"},
		Job:    JobInfo{Name: "build", Index: 2},
		Steps: map[string]StepContext{
			"setup": {Outcome: "success", Outputs: map[string]string{"path": "/opt/py"}},
		},
	}

	tests := []struct {
		template string
		want     string
	}{
		{"Set up Python ${{ matrix.version }}", "Set up Python 3.8"},
		{"${{matrix.python-version}}", "3.9"},
		{"no placeholders", "no placeholders"},
		{"${{ env.GREETING }}, ${{ env.GREETING }}!", "hello, hello!"},
		{"${{ steps.setup.outputs.path }}/bin", "/opt/py/bin"},
		{"${{ steps.setup.outcome }}", "success"},
		{"${{ event.branch }}@${{ event.commit }}", "master@abc123"},
		{"${{ github.ref }} ${{ github.sha }}", "refs/heads/master abc123"},
		{"${{ job.name }}#${{ job.index }}", "build#2"},
		{"dangling }} brace", "dangling }} brace"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			got, err := Resolve(tt.template, c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_Unresolved(t *testing.T) {
	c := &Context{Matrix: map[string]string{"version": "3.8"}}

	tests := []struct {
		template string
		key      string
	}{
		{"${{ matrix.os }}", "matrix.os"},
		{"${{ env.HOME }}", "env.HOME"},
		{"${{ steps.build.outputs.bin }}", "steps.build.outputs.bin"},
		{"${{ event.nope }}", "event.nope"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			_, err := Resolve(tt.template, c)
			var uerr *UnresolvedVariableError
			require.ErrorAs(t, err, &uerr)
			assert.Equal(t, tt.key, uerr.Key)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestResolve_NotRecursive(t *testing.T) {
	c := &Context{
		Matrix: map[string]string{"evil": "${{ env.SECRET }}"},
		Env:    map[string]string{"SECRET": "leaked"},
	}

	got, err := Resolve("value: ${{ matrix.evil }}", c)
	require.NoError(t, err)
	assert.Equal(t, "value: ${{ env.SECRET }}", got)
}

func TestResolve_Malformed(t *testing.T) {
	for _, tpl := range []string{
		"${{ matrix.version",
		"${{ }}",
		"${{ matrix }}",
		"${{ secrets.TOKEN }}",
		"${{ matrix.a == 'b' }}",
		"${{ steps.a.b }}",
		"${{ ${{ matrix.a }} }}",
	} {
		t.Run(tpl, func(t *testing.T) {
			_, err := References(tpl)
			var terr *TemplateError
			assert.ErrorAs(t, err, &terr)
		})
	}
}

func TestReferences(t *testing.T) {
	refs, err := References("${{ matrix.a }} and ${{ steps.s1.outputs.x }}")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "matrix.a", refs[0].String())
	assert.Equal(t, Reference{Scope: "steps", Path: []string{"s1", "outputs", "x"}}, refs[1])
}

func TestCheckJob(t *testing.T) {
	job := &JobSpec{
		Steps: []StepSpec{
			{Id: "one", Run: "echo ${{ matrix.version }}"},
			{Run: "echo ${{ steps.one.outputs.value }}", Env: map[string]string{"LOCAL": "x"}},
			{Run: "echo ${{ env.LOCAL }}", Env: map[string]string{"LOCAL": "${{ env.JOBVAR }}"}},
		},
	}
	c := &Context{
		Matrix: map[string]string{"version": "3.8"},
		Env:    map[string]string{"JOBVAR": "y"},
	}
	assert.NoError(t, c.CheckJob(job))

	t.Run("later step output", func(t *testing.T) {
		bad := &JobSpec{Steps: []StepSpec{
			{Run: "echo ${{ steps.two.outputs.v }}"},
			{Id: "two", Run: "true"},
		}}
		var uerr *UnresolvedVariableError
		require.ErrorAs(t, c.CheckJob(bad), &uerr)
		assert.Equal(t, "steps.two.outputs.v", uerr.Key)
	})

	t.Run("missing matrix axis", func(t *testing.T) {
		bad := &JobSpec{Steps: []StepSpec{
			{Run: "true"},
			{Name: "py ${{ matrix.python }}", Run: "true"},
		}}
		var uerr *UnresolvedVariableError
		require.ErrorAs(t, c.CheckJob(bad), &uerr)
		assert.Equal(t, "matrix.python", uerr.Key)
	})

	t.Run("step env cannot see itself", func(t *testing.T) {
		bad := &JobSpec{Steps: []StepSpec{
			{Run: "true", Env: map[string]string{"A": "1", "B": "${{ env.A }}"}},
		}}
		var uerr *UnresolvedVariableError
		require.ErrorAs(t, c.CheckJob(bad), &uerr)
		assert.Equal(t, "env.A", uerr.Key)
	})
}
