package linuxfw

import (
	"fmt"
	"strings"

	"tethercore.dev/types/logger"
)

// fakeExitError carries an ExitStatus so isErrChainNotExist can recognize
// simulated "no such chain" failures the way it recognizes *iptables.Error.
type fakeExitError struct {
	code int
	msg  string
}

func (e *fakeExitError) Error() string   { return e.msg }
func (e *fakeExitError) ExitStatus() int { return e.code }

// fakeIPTables is an in-memory iptablesInterface, grounded on the
// teacher's own util/linuxfw/fake.go, adapted to track an arbitrary set
// of tables/chains rather than a fixed Tailscale chain layout.
type fakeIPTables struct {
	chains map[string][]string
}

func newFakeIPTables() *fakeIPTables {
	return &fakeIPTables{
		chains: map[string][]string{
			"filter/FORWARD":  nil,
			"nat/POSTROUTING": nil,
		},
	}
}

func key(table, chain string) string { return table + "/" + chain }

func (f *fakeIPTables) Append(table, chain string, args ...string) error {
	k := key(table, chain)
	rules, ok := f.chains[k]
	if !ok {
		return &fakeExitError{1, fmt.Sprintf("unknown chain %s", k)}
	}
	f.chains[k] = append(rules, strings.Join(args, " "))
	return nil
}

func (f *fakeIPTables) Insert(table, chain string, pos int, args ...string) error {
	k := key(table, chain)
	rules, ok := f.chains[k]
	if !ok {
		return &fakeExitError{1, fmt.Sprintf("unknown chain %s", k)}
	}
	rule := strings.Join(args, " ")
	idx := pos - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(rules) {
		idx = len(rules)
	}
	rules = append(rules, "")
	copy(rules[idx+1:], rules[idx:])
	rules[idx] = rule
	f.chains[k] = rules
	return nil
}

func (f *fakeIPTables) Exists(table, chain string, args ...string) (bool, error) {
	k := key(table, chain)
	rules, ok := f.chains[k]
	if !ok {
		return false, &fakeExitError{1, fmt.Sprintf("unknown chain %s", k)}
	}
	want := strings.Join(args, " ")
	for _, r := range rules {
		if r == want {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIPTables) Delete(table, chain string, args ...string) error {
	k := key(table, chain)
	rules, ok := f.chains[k]
	if !ok {
		return &fakeExitError{1, fmt.Sprintf("unknown chain %s", k)}
	}
	want := strings.Join(args, " ")
	for i, r := range rules {
		if r == want {
			f.chains[k] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return &fakeExitError{1, fmt.Sprintf("no matching rule %q in %s", want, k)}
}

func (f *fakeIPTables) ClearChain(table, chain string) error {
	k := key(table, chain)
	if _, ok := f.chains[k]; !ok {
		return &fakeExitError{1, fmt.Sprintf("unknown chain %s", k)}
	}
	f.chains[k] = nil
	return nil
}

func (f *fakeIPTables) NewChain(table, chain string) error {
	k := key(table, chain)
	if _, ok := f.chains[k]; ok {
		return fmt.Errorf("chain %s already exists", k)
	}
	f.chains[k] = nil
	return nil
}

func (f *fakeIPTables) DeleteChain(table, chain string) error {
	k := key(table, chain)
	rules, ok := f.chains[k]
	if !ok {
		return &fakeExitError{1, fmt.Sprintf("unknown chain %s", k)}
	}
	if len(rules) != 0 {
		return fmt.Errorf("chain %s is not empty", k)
	}
	delete(f.chains, k)
	return nil
}

// newTestRunner returns a Runner backed by an in-memory fake instead of
// the real iptables binary.
func newTestRunner(logf logger.Logf) (*Runner, *fakeIPTables) {
	fake := newFakeIPTables()
	r, err := newRunner(logf, fake)
	if err != nil {
		panic(err)
	}
	return r, fake
}
