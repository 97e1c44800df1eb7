package channel

import (
	"reflect"
	"testing"
)

func TestPinOpenFlow(t *testing.T) {
	cases := []struct {
		name   string
		input  []string
		expect []string
	}{
		{name: "bare", input: []string{"dump-flows", "s1"}, expect: []string{"-O", "OpenFlow13", "dump-flows", "s1"}},
		{name: "long flag", input: []string{"add-flow", "--protocols=OpenFlow10", "s1", "actions=drop"}, expect: []string{"-O", "OpenFlow13", "add-flow", "s1", "actions=drop"}},
		{name: "short flag", input: []string{"-O", "OpenFlow13", "del-flows", "s2"}, expect: []string{"-O", "OpenFlow13", "del-flows", "s2"}},
		{name: "glued flag", input: []string{"-OOpenFlow15", "dump-flows", "s2"}, expect: []string{"-O", "OpenFlow13", "dump-flows", "s2"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := PinOpenFlow(tc.input); !reflect.DeepEqual(got, tc.expect) {
				t.Fatalf("expected %v, got %v", tc.expect, got)
			}
		})
	}
}

func TestShellQuotesUnsafeArguments(t *testing.T) {
	got := Shell("iptables", "-A", "LOGGING", "-j", "LOG", "--log-prefix", "FORWARD: ")
	want := "iptables -A LOGGING -j LOG --log-prefix 'FORWARD: '"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
