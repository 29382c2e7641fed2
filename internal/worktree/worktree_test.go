package worktree

import "testing"

func TestValidateBranchName(t *testing.T) {
	cases := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		{"plain", "fleetboard/coder-1/CD-001", false},
		{"leading dash rejected", "-rf", true},
		{"empty rejected", "", true},
		{"dotdot rejected", "fleetboard/../etc", true},
		{"shell metachar rejected", "fleetboard;rm -rf", true},
		{"space rejected", "fleet board", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateBranchName(tc.branch)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateBranchName(%q) error = %v, wantErr %v", tc.branch, err, tc.wantErr)
			}
		})
	}
}

func TestContainedIn_RejectsEscape(t *testing.T) {
	dir := t.TempDir()
	if err := containedIn(dir, dir+"/child"); err != nil {
		t.Fatalf("child path should be contained: %v", err)
	}
	if err := containedIn(dir, dir+"/../escaped"); err == nil {
		t.Fatal("expected escape to be rejected")
	}
}
