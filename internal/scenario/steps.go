package scenario

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/compose-network/scenario-harness/internal/chain"
	"github.com/compose-network/scenario-harness/internal/harness"
	"github.com/ethereum/go-ethereum/common"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-z.]+)(?::([A-Za-z0-9_]+))?\s*\}\}`)

// expand replaces {{app}}, {{dapp}}, {{chain.rpc}}, {{account}} and {{contract:ID}} with values
// from the running session.
func expand(s string, sess *harness.Session) (string, error) {
	var errs []error

	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholder.FindStringSubmatch(match)
		name, arg := parts[1], parts[2]

		switch name {
		case "app":
			return sess.Driver.AppURL()
		case "dapp", "dapp.origin":
			if sess.DappOrigin == "" {
				errs = append(errs, errors.New("{{dapp}} used but the scenario does not serve the dapp"))
			}
			return sess.DappOrigin
		case "chain.rpc":
			return sess.Chain.RPCURL()
		case "account":
			return sess.Fixtures.SelectedAccount()
		case "contract":
			addr, err := sess.Contracts.GetContractAddress(arg)
			if err != nil {
				errs = append(errs, err)
				return match
			}
			return addr.Hex()
		default:
			errs = append(errs, fmt.Errorf("unknown placeholder %s", match))
			return match
		}
	})

	return out, errors.Join(errs...)
}

func expandTarget(t Target, sess *harness.Session) (Target, error) {
	var errs []error
	for _, field := range []*string{&t.CSS, &t.XPath, &t.Text, &t.Value} {
		v, err := expand(*field, sess)
		if err != nil {
			errs = append(errs, err)
		}
		*field = v
	}
	return t, errors.Join(errs...)
}

// run executes one step against the session.
func (s Step) run(ctx context.Context, sess *harness.Session) error {
	d := sess.Driver

	if s.Navigate != nil {
		url, err := expand(*s.Navigate, sess)
		if err != nil {
			return err
		}
		return d.Navigate(ctx, url)
	}

	if s.ExpectBalance != nil {
		return expectBalance(ctx, *s.ExpectBalance, sess)
	}

	if s.ExpectRequests != nil {
		return expectRequests(*s.ExpectRequests, sess)
	}

	var raw *Target
	for _, t := range []*Target{s.Fill, s.Click, s.WaitFor, s.ExpectPresent, s.ExpectAbsent, s.ExpectVisible} {
		if t != nil {
			raw = t
		}
	}
	if raw == nil {
		return errors.New("step has no action")
	}

	t, err := expandTarget(*raw, sess)
	if err != nil {
		return err
	}
	opts, err := t.waitOptions()
	if err != nil {
		return err
	}
	loc := t.locator()

	switch {
	case s.Fill != nil:
		return d.Fill(ctx, loc, t.Value, opts...)
	case s.Click != nil:
		return d.ClickElement(ctx, loc, opts...)
	case s.WaitFor != nil:
		_, err := d.WaitForSelector(ctx, loc, opts...)
		return err
	case s.ExpectPresent != nil:
		_, err := d.FindElement(ctx, loc, opts...)
		return err
	case s.ExpectAbsent != nil:
		return d.AssertElementNotPresent(ctx, loc, opts...)
	default:
		el, err := d.FindVisibleElement(ctx, loc, opts...)
		if err != nil {
			return err
		}
		if t.Value != "" && el.Value() != t.Value {
			return fmt.Errorf("element %s has value %q, want %q", loc, el.Value(), t.Value)
		}
		return nil
	}
}

func expectBalance(ctx context.Context, check BalanceCheck, sess *harness.Session) error {
	want, err := chain.EtherToWei(check.Ether)
	if err != nil {
		return err
	}

	account := check.Account
	if account != "" {
		if account, err = expand(account, sess); err != nil {
			return err
		}
	} else {
		accounts := sess.Chain.Accounts()
		if len(accounts) == 0 {
			return errors.New("no seeded account to check")
		}
		account = accounts[0].Address.Hex()
	}
	if !common.IsHexAddress(account) {
		return fmt.Errorf("invalid account %q", account)
	}

	got, err := sess.Chain.Balance(ctx, common.HexToAddress(account))
	if err != nil {
		return err
	}
	if got.Cmp(want) != 0 {
		return fmt.Errorf("balance of %s is %s ETH, want %s ETH", account, chain.FormatEther(got), chain.FormatEther(want))
	}
	return nil
}

func expectRequests(check RequestsCheck, sess *harness.Session) error {
	count := 0
	for _, r := range sess.Mock.ReceivedRequests() {
		if check.Method != "" && !strings.EqualFold(check.Method, r.Method) {
			continue
		}
		if r.URL != nil && r.URL.String() == check.URL {
			count++
		}
	}
	if count != check.Count {
		return fmt.Errorf("%d intercepted requests to %s, want %d", count, check.URL, check.Count)
	}
	return nil
}

// Scenario turns the file's steps into the orchestrator callback.
func (f *File) Scenario() harness.Scenario {
	steps := f.Steps
	return func(ctx context.Context, sess *harness.Session) error {
		for i, s := range steps {
			if err := s.run(ctx, sess); err != nil {
				return fmt.Errorf("step %d (%s): %w", i+1, s.Action(), err)
			}
		}
		return nil
	}
}
