package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/mocks"
)

const loginPageHTML = `<html><head><title>Sign in</title></head><body>
<form id="login-form">
  <input type="text" name="ctl00$login$username" id="login_username"/>
  <input type="password" name="ctl00$login$password" id="login_password"/>
  <input type="submit" id="btn-login" value="Log in"/>
</form>
</body></html>`

const dashboardHTML = `<html><head><title>Dashboard</title></head><body>
<div id="header"><span>Signed in as richard</span><a id="logout-link">Log out</a></div>
<div id="content">Welcome back</div>
</body></html>`

const rejectedLoginHTML = `<html><head><title>Sign in</title></head><body>
<span id="login-error">Login attempt failed</span>
<form id="login-form">
  <input type="text" name="ctl00$login$username" id="login_username"/>
  <input type="password" name="ctl00$login$password" id="login_password"/>
  <input type="submit" id="btn-login" value="Log in"/>
</form>
</body></html>`

func newLoginPage() *mocks.FakePage {
	page := mocks.NewFakePage("sess-login", "<html><body>blank</body></html>")
	page.AddDoc(testBaseURL+"/Account/Login.aspx", loginPageHTML)
	return page
}

func TestLoginSubmitsCredentialsAndProbes(t *testing.T) {
	driver := newTestDriver(t)
	page := newLoginPage()
	page.OnClick(`[id="btn-login"]`, func(p *mocks.FakePage) error {
		p.SetHTML(dashboardHTML)
		return nil
	})

	creds := schemas.Credentials{Username: "richard", Password: "s3cret"}
	err := driver.Login(context.Background(), page, creds)
	require.NoError(t, err)

	assert.Equal(t, []string{"richard"}, page.TypedInto(`[id="login_username"]`))
	assert.Equal(t, []string{"s3cret"}, page.TypedInto(`[id="login_password"]`))
	assert.Contains(t, page.Clicked(), `[id="btn-login"]`)
}

func TestLoginReportsRejectedCredentials(t *testing.T) {
	driver := newTestDriver(t)
	page := newLoginPage()
	page.OnClick(`[id="btn-login"]`, func(p *mocks.FakePage) error {
		p.SetHTML(rejectedLoginHTML)
		return nil
	})

	err := driver.Login(context.Background(), page, schemas.Credentials{Username: "richard", Password: "wrong"})
	require.Error(t, err)

	var rejected *schemas.AuthRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "richard", rejected.UserID)
	assert.Contains(t, rejected.Reason, "refused")
}

func TestLoginReportsMissingAuthenticatedView(t *testing.T) {
	driver := newTestDriver(t)
	page := newLoginPage()
	// Submit lands on an unexpected page: no marker, no rejection banner.
	page.OnClick(`[id="btn-login"]`, func(p *mocks.FakePage) error {
		p.SetHTML(`<html><body><h1>Scheduled maintenance</h1></body></html>`)
		return nil
	})

	err := driver.Login(context.Background(), page, schemas.Credentials{Username: "richard", Password: "s3cret"})
	require.Error(t, err)

	var rejected *schemas.AuthRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "no authenticated view")
}

func TestProbeSeesLoggedInMarker(t *testing.T) {
	driver := newTestDriver(t)
	page := mocks.NewFakePage("sess-probe", dashboardHTML)

	ok, err := driver.Probe(context.Background(), page)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProbeReportsLoggedOutWithoutError(t *testing.T) {
	driver := newTestDriver(t)
	page := mocks.NewFakePage("sess-probe", loginPageHTML)

	ok, err := driver.Probe(context.Background(), page)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProbeSurfacesDeadPage(t *testing.T) {
	driver := newTestDriver(t)
	page := mocks.NewFakePage("sess-probe", dashboardHTML)
	page.Kill()

	ok, err := driver.Probe(context.Background(), page)
	require.Error(t, err)
	assert.False(t, ok)
}
