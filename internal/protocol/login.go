package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/browser/resolve"
)

// Login drives the target's login form with the operator's credentials. It
// returns AuthRejectedError when the target refuses them, so the pool can
// tell a bad password from a broken page.
func (d *Driver) Login(ctx context.Context, page schemas.PageSession, creds schemas.Credentials) error {
	login := d.profile.Login
	d.logger.Info("Performing login", zap.String("username", creds.Username))

	if err := page.Navigate(ctx, d.url(login.Path)); err != nil {
		return fmt.Errorf("opening login page: %w", err)
	}
	if err := page.WaitIdle(ctx, d.quiet()); err != nil {
		return err
	}

	username := resolve.Target{
		Name: "login username field",
		Strategies: []resolve.Strategy{
			resolve.ByAttr("input", "name", login.UsernameField),
			resolve.ByAttr("input", "id", login.UsernameField),
			resolve.ByPosition("form", "input[type=text]", 0),
		},
	}
	if err := d.typeInto(ctx, page, username, creds.Username); err != nil {
		return err
	}

	password := resolve.Target{
		Name: "login password field",
		Strategies: []resolve.Strategy{
			resolve.ByAttr("input", "name", login.PasswordField),
			resolve.ByAttr("input", "id", login.PasswordField),
			resolve.ByPosition("form", "input[type=password]", 0),
		},
	}
	if err := d.typeInto(ctx, page, password, creds.Password); err != nil {
		return err
	}

	if err := d.clickTarget(ctx, page, buttonTarget("login submit", login.SubmitText)); err != nil {
		return err
	}

	ok, err := d.Probe(ctx, page)
	if err != nil {
		return err
	}
	if ok {
		d.logger.Info("Login accepted", zap.String("username", creds.Username))
		return nil
	}

	reason := "no authenticated view after login"
	if login.RejectedText != "" {
		snapshot, serr := page.Snapshot(ctx)
		if serr == nil {
			if doc, derr := resolve.Document(snapshot); derr == nil {
				if strings.Contains(pageText(doc), login.RejectedText) {
					reason = "target refused the credentials"
				}
			}
		}
	}
	return &schemas.AuthRejectedError{UserID: creds.Username, Reason: reason}
}

// Probe reports whether the page currently shows an authenticated view, by
// looking for the logged-in marker within a short budget. A plain "not
// there" is (false, nil); only infrastructure failures surface as errors.
func (d *Driver) Probe(ctx context.Context, page schemas.PageSession) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	marker := resolve.Target{
		Name: "authenticated marker",
		Strategies: []resolve.Strategy{
			resolve.ByText(d.profile.Login.MarkerScope, d.profile.Login.LoggedInMarker),
		},
	}
	_, err := d.res.Resolve(probeCtx, page, marker)
	if err != nil {
		var notFound *schemas.ElementNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
