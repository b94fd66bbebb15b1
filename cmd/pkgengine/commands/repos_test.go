package commands

import "testing"

func TestParseSwitch(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{in: "on", want: true},
		{in: "ON", want: true},
		{in: "true", want: true},
		{in: "off", want: false},
		{in: "0", want: false},
		{in: "maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSwitch(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSwitch(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseSwitch(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestReposCommandWiresSubcommands(t *testing.T) {
	cmd := newReposCommand()
	for _, name := range []string{"list", "enable", "disable", "feature", "watch"} {
		if sub, _, err := cmd.Find([]string{name}); err != nil || sub.Name() != name {
			t.Errorf("subcommand %s not registered", name)
		}
	}
}
