package catalog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/steward/model"
)

func loadRegistry(t *testing.T, paths ...string) *Registry {
	t.Helper()
	templates, checksum, err := NewLoader().LoadFiles(paths)
	require.NoError(t, err)
	require.Empty(t, NewValidator().Validate(templates))
	return NewRegistry(templates, checksum)
}

func TestLoader_LoadFiles(t *testing.T) {
	templates, checksum, err := NewLoader().LoadFiles([]string{"testdata/flows.yaml", "testdata/extra.yaml"})
	require.NoError(t, err)
	require.Len(t, templates, 4)

	assert.NotEmpty(t, checksum)
	for i, tmpl := range templates {
		assert.Equal(t, int64(i+1), tmpl.ID, "IDs follow load order")
		assert.False(t, tmpl.CreatedAt.IsZero())
	}

	high := templates[1]
	assert.Equal(t, "high-sensitivity", high.Name)
	require.Len(t, high.Steps, 3)
	assert.Equal(t, model.NodeEthics, high.Steps[1].NodeType)
	assert.Equal(t, `sensitivity != "normal"`, high.Steps[1].Condition)
	assert.True(t, templates[3].Steps[0].Parallel)
}

func TestLoader_LoadFiles_errors(t *testing.T) {
	_, _, err := NewLoader().LoadFiles([]string{"testdata/missing.yaml"})
	assert.Error(t, err)

	_, _, err = NewLoader().LoadFiles([]string{"testdata/bad.yaml"})
	assert.Error(t, err)
}

func TestRegistry_Select(t *testing.T) {
	reg := loadRegistry(t, "testdata/flows.yaml", "testdata/extra.yaml")
	ctx := context.Background()

	tests := []struct {
		sensitivity string
		want        string
	}{
		{"normal", "normal"},
		{"NORMAL", "normal"},
		{"sensitiv", "high-sensitivity"},
		{"sensitive", "Sensitive-Archive"},
		{"archive", "Sensitive-Archive"},
		{"high", "high-sensitivity"},
	}
	for _, tt := range tests {
		t.Run(tt.sensitivity, func(t *testing.T) {
			tmpl, err := reg.Select(ctx, tt.sensitivity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tmpl.Name)
		})
	}
}

func TestRegistry_Select_skipsInactive(t *testing.T) {
	reg := loadRegistry(t, "testdata/extra.yaml")

	_, err := reg.Select(context.Background(), "normal")
	require.Error(t, err)
	assert.True(t, model.HasCode(err, model.ErrNoTemplateFound))
}

func TestRegistry_Select_noMatch(t *testing.T) {
	reg := loadRegistry(t, "testdata/flows.yaml")

	_, err := reg.Select(context.Background(), "top-secret")
	require.Error(t, err)
	assert.True(t, model.HasCode(err, model.ErrNoTemplateFound))
}

func TestRegistry_Select_firstByCreationOrder(t *testing.T) {
	reg := NewRegistry([]model.FlowTemplate{
		{ID: 7, Name: "normal-b", Active: true, Steps: []model.FlowStepTemplate{{StepNumber: 1, NodeType: model.NodeAdmin}}},
		{ID: 3, Name: "normal-a", Active: true, Steps: []model.FlowStepTemplate{{StepNumber: 1, NodeType: model.NodePrimaryReviewer}}},
	}, "")

	tmpl, err := reg.Select(context.Background(), "normal")
	require.NoError(t, err)
	assert.Equal(t, "normal-a", tmpl.Name)
}

func TestRegistry_sortsSteps(t *testing.T) {
	reg := NewRegistry([]model.FlowTemplate{{
		ID: 1, Name: "normal", Active: true,
		Steps: []model.FlowStepTemplate{
			{StepNumber: 2, NodeType: model.NodeAdmin},
			{StepNumber: 1, NodeType: model.NodePrimaryReviewer},
		},
	}}, "")

	tmpl, ok := reg.Get("normal")
	require.True(t, ok)
	assert.Equal(t, 1, tmpl.Steps[0].StepNumber)
	assert.Equal(t, 2, tmpl.Steps[1].StepNumber)

	_, ok = reg.Get("absent")
	assert.False(t, ok)
}

func TestRegistry_Replace(t *testing.T) {
	reg := loadRegistry(t, "testdata/flows.yaml")
	assert.Equal(t, 2, reg.Len())
	before := reg.Checksum()

	templates, checksum, err := NewLoader().LoadFiles([]string{"testdata/extra.yaml"})
	require.NoError(t, err)
	reg.Replace(templates, checksum)

	assert.Equal(t, 2, reg.Len())
	assert.NotEqual(t, before, reg.Checksum())
	_, err = reg.Select(context.Background(), "high")
	assert.True(t, model.HasCode(err, model.ErrNoTemplateFound))
}

func TestRegistry_concurrentReplace(t *testing.T) {
	reg := loadRegistry(t, "testdata/flows.yaml")
	templates, _ := reg.List(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Replace(templates, "x")
		}()
		go func() {
			defer wg.Done()
			tmpl, err := reg.Select(context.Background(), "normal")
			assert.NoError(t, err)
			assert.Len(t, tmpl.Steps, 1)
		}()
	}
	wg.Wait()
}

func TestRegistry_List(t *testing.T) {
	reg := loadRegistry(t, "testdata/flows.yaml", "testdata/extra.yaml")

	list, err := reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "normal", list[0].Name)
	assert.Equal(t, "normal-legacy", list[2].Name)
	assert.False(t, list[2].Active)

	list[0].Name = "mutated"
	again, _ := reg.List(context.Background())
	assert.Equal(t, "normal", again[0].Name)
}

func TestValidator(t *testing.T) {
	step := func(n int, nt model.NodeType) model.FlowStepTemplate {
		return model.FlowStepTemplate{StepNumber: n, NodeType: nt}
	}

	tests := []struct {
		name     string
		tmpl     []model.FlowTemplate
		wantCode string
	}{
		{"missing name", []model.FlowTemplate{{Steps: []model.FlowStepTemplate{step(1, model.NodeAdmin)}}}, "REQUIRED"},
		{"no steps", []model.FlowTemplate{{Name: "normal"}}, "REQUIRED"},
		{"duplicate name", []model.FlowTemplate{
			{Name: "normal", Steps: []model.FlowStepTemplate{step(1, model.NodeAdmin)}},
			{Name: "normal", Steps: []model.FlowStepTemplate{step(1, model.NodeAdmin)}},
		}, "DUPLICATE"},
		{"duplicate step", []model.FlowTemplate{{Name: "normal", Steps: []model.FlowStepTemplate{
			step(1, model.NodeAdmin), step(1, model.NodeEthics),
		}}}, "DUPLICATE"},
		{"gap", []model.FlowTemplate{{Name: "normal", Steps: []model.FlowStepTemplate{
			step(1, model.NodeAdmin), step(3, model.NodeEthics),
		}}}, "NOT_CONTIGUOUS"},
		{"zero step", []model.FlowTemplate{{Name: "normal", Steps: []model.FlowStepTemplate{step(0, model.NodeAdmin)}}}, "INVALID"},
		{"missing node type", []model.FlowTemplate{{Name: "normal", Steps: []model.FlowStepTemplate{step(1, "")}}}, "REQUIRED"},
		{"bad condition", []model.FlowTemplate{{Name: "normal", Steps: []model.FlowStepTemplate{
			{StepNumber: 1, NodeType: model.NodeAdmin, Condition: "sensitivity ==="},
		}}}, "INVALID_EXPRESSION"},
		{"unknown variable", []model.FlowTemplate{{Name: "normal", Steps: []model.FlowStepTemplate{
			{StepNumber: 1, NodeType: model.NodeAdmin, Condition: "budget > 10"},
		}}}, "INVALID_EXPRESSION"},
		{"non-bool condition", []model.FlowTemplate{{Name: "normal", Steps: []model.FlowStepTemplate{
			{StepNumber: 1, NodeType: model.NodeAdmin, Condition: "step_number + 1"},
		}}}, "INVALID_EXPRESSION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := NewValidator().Validate(tt.tmpl)
			require.NotEmpty(t, errs)
			codes := make([]string, 0, len(errs))
			for _, e := range errs {
				codes = append(codes, e.Code)
			}
			assert.Contains(t, codes, tt.wantCode)
		})
	}
}

func TestValidator_validCondition(t *testing.T) {
	errs := NewValidator().Validate([]model.FlowTemplate{{
		Name: "normal",
		Steps: []model.FlowStepTemplate{
			{StepNumber: 2, NodeType: model.NodeEthics, Condition: `applicant != "" && step_number > 1`},
			{StepNumber: 1, NodeType: model.NodeAdmin},
		},
	}})
	assert.Empty(t, errs)
}
