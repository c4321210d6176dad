package core

import "testing"

func TestSourceID(t *testing.T) {
	id := SourceID(KindJournal, "nginx.service")
	if id != "journal:nginx.service" {
		t.Errorf("expected journal:nginx.service, got %s", id)
	}
}

func TestParseSourceID(t *testing.T) {
	tests := []struct {
		input     string
		wantKind  SourceKind
		wantName  string
		wantError bool
	}{
		{"journal:nginx.service", KindJournal, "nginx.service", false},
		{"exec:php-serve", KindExec, "php-serve", false},
		{"file:/var/log/app.log", KindFile, "/var/log/app.log", false},
		{"file:c:/logs/app.log", KindFile, "c:/logs/app.log", false},
		{"invalid", "", "", true},
		{":missing-kind", "", "", true},
		{"exec:", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			kind, name, err := ParseSourceID(tt.input)
			if tt.wantError {
				if err == nil {
					t.Errorf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for %q: %v", tt.input, err)
				return
			}
			if kind != tt.wantKind {
				t.Errorf("kind: got %q, want %q", kind, tt.wantKind)
			}
			if name != tt.wantName {
				t.Errorf("name: got %q, want %q", name, tt.wantName)
			}
		})
	}
}

func TestParseSourceIDRoundTrip(t *testing.T) {
	original := SourceID(KindExec, "vite")
	kind, name, err := ParseSourceID(original)
	if err != nil {
		t.Fatal(err)
	}
	if reconstructed := SourceID(kind, name); reconstructed != original {
		t.Errorf("round-trip failed: %q != %q", reconstructed, original)
	}
}

func TestParseLevel(t *testing.T) {
	for _, l := range Levels {
		got, err := ParseLevel(l.String())
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", l.String(), err)
		}
		if got != l {
			t.Errorf("ParseLevel(%q) = %v, want %v", l.String(), got, l)
		}
	}
	if got, err := ParseLevel("WARNING"); err != nil || got != LevelWarn {
		t.Errorf("ParseLevel(WARNING) = %v, %v", got, err)
	}
	if _, err := ParseLevel("fatal"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSlogLevelMapping(t *testing.T) {
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if got := LevelFromSlog(l.SlogLevel()); got != l {
			t.Errorf("round-trip %v: got %v", l, got)
		}
	}
	if got := LevelFromSlog(LevelLog.SlogLevel()); got != LevelInfo {
		t.Errorf("log level should map to info, got %v", got)
	}
}
