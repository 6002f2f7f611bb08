package resolve

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/go-optest/internal/plan"
)

const matrixPlan = `
operator: add
inputs: [a.bin, b.bin]
outputs: [c.bin]
priority: 2
backends:
  - type: sim
    chip: cpu
    workdir: sim
    command: "true"
    xfail_cases: [flaky]
  - type: gpu
    chip: a100
    workdir: gpu
    command: "true"
    skip_cases: [cpu_only]
  - type: npu
    chip: x1
    command: "true"
    only_cases: [basic]
cases:
  - name: basic
    dtypes: [float32, float32]
    tags: [smoke]
    shapes:
      - {inputs: [[2], [2]], outputs: [[2]]}
      - {inputs: [[3], [3]], outputs: [[3]]}
  - name: cpu_only
    dtypes: [float32, float32]
    priority: 5
    shapes: [{inputs: [[2], [2]], outputs: [[2]]}]
  - name: flaky
    dtypes: [float16, float16]
    tags: [slow]
    backends: {only: [sim, gpu], xfail: [gpu]}
    shapes: [{inputs: [[4], [4]], outputs: [[4]]}]
  - name: abs_paths
    dtypes: [int32, int32]
    inputs: [/data/x.bin, rel/y.bin]
    backends: {skip: [gpu]}
    shapes: [{inputs: [[1], [1]], outputs: [[1]]}]
`

func loadPlan(t *testing.T) *plan.Plan {
	t.Helper()

	doc, err := plan.Decode([]byte(matrixPlan), "yaml")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	p, err := plan.Parse(doc, "/plans")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	return p
}

func ids(units []Unit) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.ID())
	}

	return out
}

func TestResolveOrderAndFilters(t *testing.T) {
	p := loadPlan(t)

	units := Resolve(p, Options{})

	want := []string{
		"basic@sim:cpu/shape0",
		"basic@sim:cpu/shape1",
		"cpu_only@sim:cpu/shape0",
		"flaky@sim:cpu/shape0",
		"abs_paths@sim:cpu/shape0",
		"basic@gpu:a100/shape0",
		"basic@gpu:a100/shape1",
		"flaky@gpu:a100/shape0",
		"basic@npu:x1/shape0",
		"basic@npu:x1/shape1",
	}
	if diff := cmp.Diff(want, ids(units)); diff != "" {
		t.Fatalf("unit order mismatch (-want +got):\n%s", diff)
	}

	xfail := map[string]bool{}
	for _, u := range units {
		xfail[u.ID()] = u.XFail
	}

	if !xfail["flaky@sim:cpu/shape0"] || !xfail["flaky@gpu:a100/shape0"] || xfail["basic@sim:cpu/shape0"] {
		t.Fatalf("xfail flags = %v", xfail)
	}
}

func TestResolvePaths(t *testing.T) {
	p := loadPlan(t)

	units := Resolve(p, Options{Backend: "sim", Cases: []string{"abs_*"}})
	if len(units) != 1 {
		t.Fatalf("units = %v", ids(units))
	}

	u := units[0]

	wantInputs := []string{"/data/x.bin", filepath.Join("/plans", "sim", "rel", "y.bin")}
	if diff := cmp.Diff(wantInputs, u.InputPaths); diff != "" {
		t.Fatalf("input paths mismatch:\n%s", diff)
	}

	if diff := cmp.Diff([]string{filepath.Join("/plans", "sim", "c.bin")}, u.OutputPaths); diff != "" {
		t.Fatalf("output paths mismatch:\n%s", diff)
	}

	npu := Resolve(p, Options{Backend: "npu"})
	if len(npu) == 0 || npu[0].InputPaths[0] != filepath.Join("/plans", "a.bin") {
		t.Fatalf("npu paths should resolve against the plan dir: %+v", npu)
	}
}

func TestResolveRunOptions(t *testing.T) {
	p := loadPlan(t)
	one := 1
	three := 3

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "chip filter",
			opts: Options{Chip: "a100"},
			want: []string{"basic@gpu:a100/shape0", "basic@gpu:a100/shape1", "flaky@gpu:a100/shape0"},
		},
		{
			name: "tags",
			opts: Options{Backend: "sim", Tags: []string{"slow", "missing"}},
			want: []string{"flaky@sim:cpu/shape0"},
		},
		{
			name: "skip tags",
			opts: Options{Backend: "sim", SkipTags: []string{"smoke", "slow"}},
			want: []string{"cpu_only@sim:cpu/shape0", "abs_paths@sim:cpu/shape0"},
		},
		{
			name: "priority max falls back to plan priority",
			opts: Options{Backend: "sim", PriorityMax: &three},
			want: []string{"basic@sim:cpu/shape0", "basic@sim:cpu/shape1", "flaky@sim:cpu/shape0", "abs_paths@sim:cpu/shape0"},
		},
		{
			name: "priority max excludes everything",
			opts: Options{Backend: "sim", PriorityMax: &one},
			want: nil,
		},
		{
			name: "glob patterns",
			opts: Options{Backend: "gpu", Cases: []string{"fl?ky", "[bc]*"}},
			want: []string{"basic@gpu:a100/shape0", "basic@gpu:a100/shape1", "flaky@gpu:a100/shape0"},
		},
		{
			name: "unknown backend",
			opts: Options{Backend: "tpu"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(p, tt.opts)

			var gotIDs []string
			if len(got) > 0 {
				gotIDs = ids(got)
			}

			if diff := cmp.Diff(tt.want, gotIDs); diff != "" {
				t.Fatalf("units mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	p := loadPlan(t)
	opts := Options{Cases: []string{"*"}}

	type snapshot struct {
		ID      string
		Inputs  []string
		Outputs []string
		XFail   bool
	}

	take := func() []snapshot {
		var out []snapshot
		for _, u := range Resolve(p, opts) {
			out = append(out, snapshot{ID: u.ID(), Inputs: u.InputPaths, Outputs: u.OutputPaths, XFail: u.XFail})
		}

		return out
	}

	first := take()
	for range 5 {
		if diff := cmp.Diff(first, take()); diff != "" {
			t.Fatalf("resolution not deterministic:\n%s", diff)
		}
	}
}
