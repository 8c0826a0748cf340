package compiletask

import "testing"

func TestClassifyForcedFallback(t *testing.T) {
	cases := []struct {
		name     string
		args     []string
		strict   bool
		want     Reason
		wantBool bool
	}{
		{"plain compile", []string{"gcc", "-c", "foo.c"}, false, ReasonNone, false},
		{"conftest", []string{"gcc", "conftest.c"}, false, ReasonNoRemoteCompileSupported, true},
		{"print-search-dirs", []string{"gcc", "-print-search-dirs"}, false, ReasonNoRemoteCompileSupported, true},
		{"long print flag", []string{"clang", "--print-supported-cpus"}, false, ReasonNoRemoteCompileSupported, true},
		{"strict unsupported flag", []string{"gcc", "-Wunsupported-foo"}, true, ReasonParseFlags, true},
		{"unsupported flag ignored without strict", []string{"gcc", "-Wunsupported-foo"}, false, ReasonNone, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := classifyForcedFallback(c.args, c.strict)
			if ok != c.wantBool || got != c.want {
				t.Fatalf("classifyForcedFallback(%v, %v) = (%v, %v), want (%v, %v)", c.args, c.strict, got, ok, c.want, c.wantBool)
			}
		})
	}
}

func TestReasonString(t *testing.T) {
	if ReasonCompilerDisabled.String() != "CompilerDisabled" {
		t.Fatalf("unexpected string: %s", ReasonCompilerDisabled.String())
	}
	if Reason(999).String() != "None" {
		t.Fatalf("unexpected default string: %s", Reason(999).String())
	}
}
