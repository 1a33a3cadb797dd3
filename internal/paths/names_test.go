package paths

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "rename-foo.yaml", want: "rename-foo"},
		{input: "Rename Foo.yml", want: "rename-foo"},
		{input: "drop_legacy.v2.yaml", want: "drop-legacy-v2"},
		{input: "--weird!!name--", want: "weirdname"},
		{input: "", wantErr: true},
		{input: "!!!.yaml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeName(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeName(%q) expected error, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeName(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
