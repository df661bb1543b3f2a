package protocol

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Profile maps the target application's UI onto stable semantic anchors:
// visible labels, name-attribute fragments and grid shapes. It is the one
// place that changes when the target ships a redesign. Technical ids are
// deliberately absent; those churn per session and the resolver derives them
// at runtime.
type Profile struct {
	Login   LoginProfile   `yaml:"login"`
	Orders  OrderProfile   `yaml:"orders"`
	Catalog CatalogProfile `yaml:"catalog"`

	// QuietWindow is how long page activity must stay silent before a step
	// trusts the DOM.
	QuietWindow time.Duration `yaml:"quiet_window"`
}

type LoginProfile struct {
	// Path is appended to the configured base URL.
	Path          string `yaml:"path"`
	UsernameField string `yaml:"username_field"`
	PasswordField string `yaml:"password_field"`
	SubmitText    string `yaml:"submit_text"`

	// LoggedInMarker is visible text that only an authenticated view shows;
	// RejectedText only appears on a refused login.
	LoggedInMarker string `yaml:"logged_in_marker"`
	MarkerScope    string `yaml:"marker_scope"`
	RejectedText   string `yaml:"rejected_text"`
}

type OrderProfile struct {
	ListPath      string `yaml:"list_path"`
	NewButtonText string `yaml:"new_button_text"`

	Customer CustomerLookupProfile `yaml:"customer"`
	Lines    LineGridProfile       `yaml:"lines"`

	ReferenceField  string `yaml:"reference_field"`
	DiscountField   string `yaml:"discount_field"`
	SaveCloseText   string `yaml:"save_close_text"`
	DiscardText     string `yaml:"discard_text"`
	RecordIDPattern string `yaml:"record_id_pattern"`
}

// CustomerLookupProfile describes the filtered customer picker on the order
// form.
type CustomerLookupProfile struct {
	SearchField string `yaml:"search_field"`
	Grid        string `yaml:"grid"`
	ConfirmText string `yaml:"confirm_text"`
}

// LineGridProfile describes the article lookup grid used per order line.
type LineGridProfile struct {
	SearchField   string `yaml:"search_field"`
	Grid          string `yaml:"grid"`
	QuantityField string `yaml:"quantity_field"`
	DiscountField string `yaml:"discount_field"`
	CommitText    string `yaml:"commit_text"`

	// PageSize is the row count at which the grid starts paginating. Past
	// it, committed lines land on later pages and the driver has to reset
	// the filter between lines.
	PageSize     int    `yaml:"page_size"`
	NextPageText string `yaml:"next_page_text"`
}

// CatalogProfile describes the read-only article list the sync job scrapes.
type CatalogProfile struct {
	Path         string `yaml:"path"`
	Grid         string `yaml:"grid"`
	NextPageText string `yaml:"next_page_text"`
}

// DefaultProfile returns the shipped anchors for the currently supported
// target release. A profile file overlays these, so deployments only list
// what differs.
func DefaultProfile() *Profile {
	return &Profile{
		QuietWindow: 600 * time.Millisecond,
		Login: LoginProfile{
			Path:           "/Account/Login.aspx",
			UsernameField:  "login$username",
			PasswordField:  "login$password",
			SubmitText:     "Log in",
			LoggedInMarker: "Log out",
			MarkerScope:    "a, button, span",
			RejectedText:   "Login attempt failed",
		},
		Orders: OrderProfile{
			ListPath:      "/Orders/Default.aspx",
			NewButtonText: "New order",
			Customer: CustomerLookupProfile{
				SearchField: "order$customer$filter",
				Grid:        "customer-lookup",
				ConfirmText: "Select",
			},
			Lines: LineGridProfile{
				SearchField:   "order$lines$filter",
				Grid:          "article-lookup",
				QuantityField: "order$lines$quantity",
				DiscountField: "order$lines$discount",
				CommitText:    "Add line",
				PageSize:      10,
				NextPageText:  "Next",
			},
			ReferenceField:  "order$reference",
			DiscountField:   "order$discount",
			SaveCloseText:   "Save & Close",
			DiscardText:     "Cancel",
			RecordIDPattern: `Order\s+([A-Z0-9][A-Z0-9-]+)\s+saved`,
		},
		Catalog: CatalogProfile{
			Path:         "/Articles/Default.aspx",
			Grid:         "article-list",
			NextPageText: "Next",
		},
	}
}

// LoadProfile overlays a YAML profile file on the defaults. An empty path
// returns the defaults untouched.
func LoadProfile(path string) (*Profile, error) {
	profile := DefaultProfile()
	if path == "" {
		return profile, nil
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding profile path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("reading UI profile: %w", err)
	}
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parsing UI profile %s: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("UI profile %s: %w", path, err)
	}
	return profile, nil
}

// Validate rejects profiles that would make the driver flail at runtime.
func (p *Profile) Validate() error {
	if p.Login.UsernameField == "" || p.Login.PasswordField == "" {
		return fmt.Errorf("login field anchors must not be empty")
	}
	if p.Login.SubmitText == "" {
		return fmt.Errorf("login submit_text must not be empty")
	}
	if p.Orders.Customer.SearchField == "" || p.Orders.Customer.Grid == "" {
		return fmt.Errorf("customer lookup anchors must not be empty")
	}
	if p.Orders.Lines.SearchField == "" || p.Orders.Lines.Grid == "" {
		return fmt.Errorf("article lookup anchors must not be empty")
	}
	if p.Orders.Lines.PageSize <= 0 {
		return fmt.Errorf("lines page_size must be positive, got %d", p.Orders.Lines.PageSize)
	}
	if p.Orders.RecordIDPattern == "" {
		return fmt.Errorf("record_id_pattern must not be empty")
	}
	if p.QuietWindow <= 0 {
		return fmt.Errorf("quiet_window must be positive")
	}
	return nil
}
