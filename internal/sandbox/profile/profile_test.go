package profile

import (
	"testing"

	appErr "boxguard/pkg/errors"
)

func TestBuiltinsPresent(t *testing.T) {
	store := NewStore()
	for _, name := range []string{"strict", "medium", "relaxed"} {
		if _, ok := store.Resolve(name); !ok {
			t.Fatalf("builtin profile %q missing", name)
		}
	}
	if _, ok := store.Resolve("nonexistent"); ok {
		t.Fatal("unknown profile resolved")
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	store := NewStore()
	p, _ := store.Resolve("strict")
	p.BlockedProcessNames[0] = "mutated"
	p.MaxMemoryBytes = 1

	again, _ := store.Resolve("strict")
	if again.BlockedProcessNames[0] != "cmd.exe" {
		t.Fatal("mutation of a resolved copy leaked into the store")
	}
	if again.MaxMemoryBytes != 256*1024*1024 {
		t.Fatal("scalar mutation leaked into the store")
	}
}

func TestRegister(t *testing.T) {
	cases := []struct {
		name     string
		p        SecurityProfile
		wantCode appErr.ErrorCode
	}{
		{
			name: "valid_custom_profile",
			p: SecurityProfile{
				Name:            "forensics",
				MaxMemoryBytes:  64 * 1024 * 1024,
				MaxProcessCount: 2,
			},
			wantCode: appErr.Success,
		},
		{
			name:     "missing_name",
			p:        SecurityProfile{MaxMemoryBytes: 1, MaxProcessCount: 1},
			wantCode: appErr.ProfileInvalid,
		},
		{
			name:     "non_positive_memory",
			p:        SecurityProfile{Name: "x", MaxProcessCount: 1},
			wantCode: appErr.ProfileInvalid,
		},
		{
			name:     "non_positive_process_count",
			p:        SecurityProfile{Name: "x", MaxMemoryBytes: 1},
			wantCode: appErr.ProfileInvalid,
		},
		{
			name: "duplicate_builtin_name",
			p: SecurityProfile{
				Name:            "medium",
				MaxMemoryBytes:  1,
				MaxProcessCount: 1,
			},
			wantCode: appErr.ProfileExists,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewStore()
			err := store.Register(tc.p)
			if appErr.GetCode(err) != tc.wantCode {
				t.Fatalf("code = %v, want %v (err=%v)", appErr.GetCode(err), tc.wantCode, err)
			}
			if tc.wantCode == appErr.Success {
				if _, ok := store.Resolve(tc.p.Name); !ok {
					t.Fatal("registered profile not resolvable")
				}
			}
		})
	}
}
