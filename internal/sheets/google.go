package sheets

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

// shortRetryDelays handle transient API errors inside a single writer attempt
// window; the writer owns the coarse 10/20-minute ladder.
var shortRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Client implements API against the Google Sheets v4 service.
type Client struct {
	service       *sheetsapi.Service
	spreadsheetID string
	batchSize     int
	logger        *zap.Logger
}

// NewClient authorizes with the service-account JSON at credentialsPath.
func NewClient(ctx context.Context, spreadsheetID, credentialsPath string, scopes []string, batchSize int, logger *zap.Logger) (*Client, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	if len(scopes) == 0 {
		scopes = []string{sheetsapi.SpreadsheetsScope}
	}
	opts := []option.ClientOption{option.WithScopes(scopes...)}
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	service, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init sheets service: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Client{
		service:       service,
		spreadsheetID: spreadsheetID,
		batchSize:     batchSize,
		logger:        logger,
	}, nil
}

// EnsureTab creates the tab if missing and installs the header row.
func (c *Client) EnsureTab(name string, header []string) error {
	return c.ensureTab(name, header, false)
}

// EnsureHiddenTab creates a hidden tab if missing and installs the header.
func (c *Client) EnsureHiddenTab(name string, header []string) error {
	return c.ensureTab(name, header, true)
}

func (c *Client) ensureTab(name string, header []string, hidden bool) error {
	existing, err := c.existingTabs()
	if err != nil {
		return err
	}
	if !existing[name] {
		request := &sheetsapi.BatchUpdateSpreadsheetRequest{
			Requests: []*sheetsapi.Request{{
				AddSheet: &sheetsapi.AddSheetRequest{
					Properties: &sheetsapi.SheetProperties{Title: name, Hidden: hidden},
				},
			}},
		}
		if err := c.retryCall(func() error {
			_, callErr := c.service.Spreadsheets.BatchUpdate(c.spreadsheetID, request).Do()
			return callErr
		}); err != nil {
			return fmt.Errorf("add sheet %s: %w", name, err)
		}
		c.logger.Info("sheet tab created", zap.String("tab", name), zap.Bool("hidden", hidden))
	}
	return c.ensureHeader(name, header)
}

// ensureHeader installs or repairs the first row. Idempotent at startup.
func (c *Client) ensureHeader(name string, header []string) error {
	if len(header) == 0 {
		return nil
	}
	var current []string
	err := c.retryCall(func() error {
		resp, callErr := c.service.Spreadsheets.Values.
			Get(c.spreadsheetID, fmt.Sprintf("%s!1:1", name)).Do()
		if callErr != nil {
			return callErr
		}
		current = nil
		if len(resp.Values) > 0 {
			for _, cell := range resp.Values[0] {
				current = append(current, fmt.Sprint(cell))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read header of %s: %w", name, err)
	}
	if headerMatches(current, header) {
		return nil
	}

	values := make([]any, len(header))
	for i, cell := range header {
		values[i] = cell
	}
	body := &sheetsapi.ValueRange{
		MajorDimension: "ROWS",
		Values:         [][]any{values},
	}
	if err := c.retryCall(func() error {
		_, callErr := c.service.Spreadsheets.Values.
			Update(c.spreadsheetID, fmt.Sprintf("%s!A1", name), body).
			ValueInputOption("RAW").Do()
		return callErr
	}); err != nil {
		return fmt.Errorf("write header of %s: %w", name, err)
	}
	return nil
}

// AppendRows appends rows after the tab's data region, chunked by batch size.
func (c *Client) AppendRows(tab string, rows [][]string) error {
	for start := 0; start < len(rows); start += c.batchSize {
		end := min(start+c.batchSize, len(rows))
		body := &sheetsapi.ValueRange{
			MajorDimension: "ROWS",
			Values:         toInterfaceRows(rows[start:end]),
		}
		if err := c.retryCall(func() error {
			_, callErr := c.service.Spreadsheets.Values.
				Append(c.spreadsheetID, fmt.Sprintf("%s!A:A", tab), body).
				ValueInputOption("RAW").
				InsertDataOption("INSERT_ROWS").Do()
			return callErr
		}); err != nil {
			return fmt.Errorf("append rows to %s: %w", tab, err)
		}
	}
	return nil
}

// ReadColumn returns the full column as strings, including the header cell.
func (c *Client) ReadColumn(tab, letter string) ([]string, error) {
	var values []string
	err := c.retryCall(func() error {
		resp, callErr := c.service.Spreadsheets.Values.
			Get(c.spreadsheetID, fmt.Sprintf("%s!%s:%s", tab, letter, letter)).Do()
		if callErr != nil {
			return callErr
		}
		values = values[:0]
		for _, row := range resp.Values {
			if len(row) > 0 {
				values = append(values, fmt.Sprint(row[0]))
			} else {
				values = append(values, "")
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read column %s of %s: %w", letter, tab, err)
	}
	return values, nil
}

// RewriteTab clears the tab and writes rows from A1.
func (c *Client) RewriteTab(tab string, rows [][]string) error {
	if err := c.retryCall(func() error {
		_, callErr := c.service.Spreadsheets.Values.
			Clear(c.spreadsheetID, fmt.Sprintf("%s!A:Z", tab), &sheetsapi.ClearValuesRequest{}).Do()
		return callErr
	}); err != nil {
		return fmt.Errorf("clear tab %s: %w", tab, err)
	}
	if len(rows) == 0 {
		return nil
	}
	body := &sheetsapi.ValueRange{
		MajorDimension: "ROWS",
		Values:         toInterfaceRows(rows),
	}
	if err := c.retryCall(func() error {
		_, callErr := c.service.Spreadsheets.Values.
			Update(c.spreadsheetID, fmt.Sprintf("%s!A1", tab), body).
			ValueInputOption("RAW").Do()
		return callErr
	}); err != nil {
		return fmt.Errorf("rewrite tab %s: %w", tab, err)
	}
	return nil
}

func (c *Client) existingTabs() (map[string]bool, error) {
	var titles map[string]bool
	err := c.retryCall(func() error {
		meta, callErr := c.service.Spreadsheets.Get(c.spreadsheetID).
			Fields("sheets.properties.title").Do()
		if callErr != nil {
			return callErr
		}
		titles = make(map[string]bool, len(meta.Sheets))
		for _, sheet := range meta.Sheets {
			if sheet.Properties != nil {
				titles[sheet.Properties.Title] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	return titles, nil
}

func (c *Client) retryCall(call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(shortRetryDelays); attempt++ {
		if attempt > 0 {
			time.Sleep(shortRetryDelays[attempt-1])
		}
		if lastErr = call(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func headerMatches(current, want []string) bool {
	if len(current) < len(want) {
		return false
	}
	for i, cell := range want {
		if current[i] != cell {
			return false
		}
	}
	return true
}

func toInterfaceRows(rows [][]string) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		cells := make([]any, len(row))
		for j, cell := range row {
			cells[j] = cell
		}
		out[i] = cells
	}
	return out
}
