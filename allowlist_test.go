package relay

import (
	"reflect"
	"testing"
)

func TestCommandPolicyAllows(t *testing.T) {
	p := NewCommandPolicy(nil)
	argv, err := p.Check("ls -la docs")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(argv, []string{"ls", "-la", "docs"}) {
		t.Errorf("argv = %v", argv)
	}
}

func TestCommandPolicyRejects(t *testing.T) {
	p := NewCommandPolicy(nil)
	cases := []struct {
		name string
		cmd  string
	}{
		{"empty", ""},
		{"rm root", "rm -rf /"},
		{"rm nested flags", "rm -r -f /var"},
		{"sudo", "sudo ls"},
		{"mkfs", "mkfs /dev/sda1"},
		{"dd", "dd if=/dev/zero of=disk"},
		{"dev redirect", "echo x > /dev/sda"},
		{"shutdown", "shutdown -h now"},
		{"chmod 777", "chmod 777 ."},
		{"fork bomb", ":(){ :|:& };:"},
		{"pipe", "cat a | grep b"},
		{"chain", "ls; rm x"},
		{"subshell", "echo $(whoami)"},
		{"backtick", "echo `id`"},
		{"redirect", "echo hi > out.txt"},
		{"not allow-listed", "curl https://example.com"},
		{"unterminated quote", `echo "oops`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.Check(tc.cmd); err == nil {
				t.Errorf("Check(%q) accepted", tc.cmd)
			}
		})
	}
}

func TestCommandPolicyPathPrefixStripped(t *testing.T) {
	p := NewCommandPolicy([]string{"ls"})
	if _, err := p.Check("/bin/ls -l"); err != nil {
		t.Errorf("basename match failed: %v", err)
	}
	if _, err := p.Check("cat x"); err == nil {
		t.Error("custom allow-list admitted cat")
	}
}

func TestSplitArgvQuoting(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`grep "two words" file.txt`, []string{"grep", "two words", "file.txt"}},
		{`echo 'single quoted'`, []string{"echo", "single quoted"}},
		{`echo a  b`, []string{"echo", "a", "b"}},
		{`echo "it's fine"`, []string{"echo", "it's fine"}},
		{`echo ""`, []string{"echo", ""}},
	}
	for _, tc := range cases {
		argv, err := splitArgv(tc.in)
		if err != nil {
			t.Errorf("splitArgv(%q): %v", tc.in, err)
			continue
		}
		if !reflect.DeepEqual(argv, tc.want) {
			t.Errorf("splitArgv(%q) = %v, want %v", tc.in, argv, tc.want)
		}
	}
}
