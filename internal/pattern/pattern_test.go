package pattern

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		template string
		text     string
		want     Result
	}{
		{
			name:     "last occurrence wins",
			template: "name={{n}} dup={{n}}",
			text:     "name=A dup=B",
			want:     Result{"n": "B"},
		},
		{
			name:     "found anywhere in the text",
			template: "key={{ v }};",
			text:     "prefix junk key=1; trailing",
			want:     Result{"v": "1"},
		},
		{
			name:     "blank runs match any whitespace",
			template: "key:  {{ v }}\n",
			text:     "key:\t\tvalue\n",
			want:     Result{"v": "value"},
		},
		{
			name:     "line breaks may vanish",
			template: "a\nb={{ v }};",
			text:     "ab=1;",
			want:     Result{"v": "1"},
		},
		{
			name:     "line breaks may grow",
			template: "a\r\nb={{ v }};",
			text:     "a\n\n   b=1;",
			want:     Result{"v": "1"},
		},
		{
			name:     "values are trimmed",
			template: "[{{ v }}]",
			text:     "[   padded\t]",
			want:     Result{"v": "padded"},
		},
		{
			name:     "captures span lines",
			template: "begin\n{{ body }}\nend",
			text:     "begin\nline 1\nline 2\nend",
			want:     Result{"body": "line 1\nline 2"},
		},
		{
			name:     "trailing line break anchors to line end",
			template: "-o {{ dir }}\n",
			text:     "-o /scratch/run1\nmore\n",
			want:     Result{"dir": "/scratch/run1"},
		},
		{
			name:     "trailing line break after literal text matches re-wrapped lines",
			template: "#SBATCH --nodes={{ n }}\n#SBATCH --time=1\n",
			text:     "#SBATCH --nodes=2 #SBATCH --time=1 #SBATCH --mem=4G",
			want:     Result{"n": "2"},
		},
		{
			name:     "adjacent placeholders capture lazily",
			template: "{{ a }}{{ b }}",
			text:     "xyz",
			want:     Result{"a": "x", "b": "y"},
		},
		{
			name:     "metacharacters are literal",
			template: "cost=$({{ v }}) [x]",
			text:     "cost=$(42) [x]",
			want:     Result{"v": "42"},
		},
		{
			name:     "no placeholders",
			template: "plain",
			text:     "some plain text",
			want:     Result{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := Compile(tt.template)
			if err != nil {
				t.Fatalf("Compile(%q) failed: %v", tt.template, err)
			}
			got, err := tmpl.Extract(tt.text)
			if err != nil {
				t.Fatalf("Extract failed: %v (pattern %q)", err, tmpl.Pattern())
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtractNoMatch(t *testing.T) {
	tmpl, err := Compile("#SBATCH --account={{ account }}\n")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpl.Extract("#SBATCH --time=00:10:00\n"); !errors.Is(err, ErrNoMatch) {
		t.Errorf("err = %v, want ErrNoMatch", err)
	}
}

func TestCompileMalformed(t *testing.T) {
	for _, text := range []string{
		"a {{ b",
		"a }} b",
		"{{ not valid! }}",
		"{{}}",
		"x={{ a }} }}",
	} {
		t.Run(text, func(t *testing.T) {
			if _, err := Compile(text); !errors.Is(err, ErrMalformedTemplate) {
				t.Errorf("Compile(%q) err = %v, want ErrMalformedTemplate", text, err)
			}
		})
	}
}

func TestCompileGroups(t *testing.T) {
	tmpl, err := Compile("{{ x }} and {{ y }} and {{x}}")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"x", "y"}, tmpl.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	re := regexp.MustCompile(tmpl.Pattern())
	want := []string{"", "x__1", "y__2", "x__3"}
	if diff := cmp.Diff(want, re.SubexpNames()); diff != "" {
		t.Errorf("group names mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileLineEndAnchor(t *testing.T) {
	tests := []struct {
		template string
		anchored bool
	}{
		{"-o {{ dir }}\n", true},
		{"-o {{ dir }} \r\n\n", true},
		{"-o {{ dir }}", false},
		{"-o {{ dir }}\n--time=1\n", false},
		{"plain\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			tmpl, err := Compile(tt.template)
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.HasSuffix(tmpl.Pattern(), `(?m:$)`); got != tt.anchored {
				t.Errorf("pattern %q anchored = %t, want %t", tmpl.Pattern(), got, tt.anchored)
			}
		})
	}
}

func TestCompileNameWithSeparator(t *testing.T) {
	tmpl, err := Compile("{{ a__b }}={{ c }};")
	if err != nil {
		t.Fatal(err)
	}
	got, err := tmpl.Extract("key=value;")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Result{"a__b": "key", "c": "value"}, got); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFile(t *testing.T) {
	tmpl, got, err := ExtractFile(filepath.Join("testdata", "submit.sh.j2"), filepath.Join("testdata", "submit.sh"))
	if err != nil {
		t.Fatalf("ExtractFile failed: %v", err)
	}
	if names := tmpl.Names(); len(names) != 14 || names[0] != "jobname" {
		t.Errorf("Names() = %v", names)
	}
	want := Result{
		"jobname":       "MLR2D",
		"output_file":   "reports/submit1_fpp_project_%j.out",
		"account":       "cstao",
		"time":          "00:30:00",
		"nnodes":        "1",
		"ntasks":        "16",
		"cpus_per_task": "1",
		"partition":     "xxx",
		"module_loads":  "ml GCC OpenMPI\nml git",
		"api":           "mpiio",
		"xfer_size":     "16m",
		"block_size":    "2g",
		"segment_size":  "1",
		"output_dir":    "/scratch/run1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExtractFile() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFileMissing(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := ExtractFile(filepath.Join(dir, "nope.j2"), filepath.Join("testdata", "submit.sh")); err == nil {
		t.Error("expected error for a missing template")
	}
	if _, _, err := ExtractFile(filepath.Join("testdata", "submit.sh.j2"), filepath.Join(dir, "nope")); err == nil {
		t.Error("expected error for a missing document")
	}
}
