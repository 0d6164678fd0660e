// Package google exports group settlements to tabs of a Google spreadsheet.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	applog "splitledger/internal/log"
	ports "splitledger/internal/sheets"
)

// Config selects the spreadsheet and the service account used to write it.
type Config struct {
	SpreadsheetID   string
	SheetPrefix     string
	CredentialsFile string
	CredentialsJSON string
}

// Exporter writes one tab per group, named SheetPrefix followed by the group id.
type Exporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	prefix        string

	mu       sync.Mutex
	sheetIDs map[string]int64 // tab title -> sheet id
}

var _ ports.SettlementExporter = (*Exporter)(nil)

// New creates an exporter authenticated with service account credentials.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}

	creds, err := credentials(cfg)
	if err != nil {
		return nil, err
	}

	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(creds),
		goption.WithScopes(gsheet.SpreadsheetsScope),
		goption.WithHTTPClient(newHTTPClientWithPooling()))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	slog.InfoContext(ctx, "Google Sheets service created", "spreadsheet_id", cfg.SpreadsheetID)
	return NewWithService(svc, cfg.SpreadsheetID, cfg.SheetPrefix), nil
}

// NewWithService wraps an existing Sheets service.
func NewWithService(svc *gsheet.Service, spreadsheetID, prefix string) *Exporter {
	return &Exporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		prefix:        prefix,
	}
}

func credentials(cfg Config) ([]byte, error) {
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		return []byte(cfg.CredentialsJSON), nil
	case cfg.CredentialsFile != "":
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_CREDENTIALS_JSON or GOOGLE_CREDENTIALS_FILE)")
	}
}

// newHTTPClientWithPooling creates an HTTP client tuned for the Sheets API
// with connection pooling and bounded timeouts.
func newHTTPClientWithPooling() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}

// TabTitle names the tab that holds a group's export.
func (e *Exporter) TabTitle(groupID int64) string {
	return e.prefix + strconv.FormatInt(groupID, 10)
}

// a1 quotes a tab title for use in A1 notation.
func a1(title, cells string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'!" + cells
}

// ExportGroup rewrites the group's tab with the snapshot.
func (e *Exporter) ExportGroup(ctx context.Context, snap ports.GroupSnapshot) error {
	title := e.TabTitle(snap.Group.ID)
	if err := e.ensureTab(ctx, title); err != nil {
		return err
	}

	_, err := e.svc.Spreadsheets.Values.Clear(e.spreadsheetID, a1(title, "A:Z"), &gsheet.ClearValuesRequest{}).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("clear tab %q: %w", title, err)
	}

	rows := ports.Rows(snap)
	_, err = e.svc.Spreadsheets.Values.Update(e.spreadsheetID, a1(title, "A1"), &gsheet.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write tab %q: %w", title, err)
	}

	slog.InfoContext(ctx, "Exported group settlement",
		applog.FieldGroupID, snap.Group.ID,
		applog.FieldLedgerVersion, snap.Group.LedgerVersion,
		applog.FieldPayments, len(snap.Payments),
		"tab", title)
	return nil
}

// RemoveGroup deletes the group's tab if it exists.
func (e *Exporter) RemoveGroup(ctx context.Context, groupID int64) error {
	title := e.TabTitle(groupID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.loadTabsLocked(ctx); err != nil {
		return err
	}
	sheetID, ok := e.sheetIDs[title]
	if !ok {
		return nil
	}

	req := &gsheet.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheet.Request{{
			DeleteSheet: &gsheet.DeleteSheetRequest{SheetId: sheetID},
		}},
	}
	if _, err := e.svc.Spreadsheets.BatchUpdate(e.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete tab %q: %w", title, err)
	}
	delete(e.sheetIDs, title)

	slog.InfoContext(ctx, "Removed group export", applog.FieldGroupID, groupID, "tab", title)
	return nil
}

// ensureTab creates the tab unless it is already known to exist.
func (e *Exporter) ensureTab(ctx context.Context, title string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sheetIDs[title]; ok {
		return nil
	}
	if err := e.loadTabsLocked(ctx); err != nil {
		return err
	}
	if _, ok := e.sheetIDs[title]; ok {
		return nil
	}

	req := &gsheet.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheet.Request{{
			AddSheet: &gsheet.AddSheetRequest{
				Properties: &gsheet.SheetProperties{Title: title},
			},
		}},
	}
	resp, err := e.svc.Spreadsheets.BatchUpdate(e.spreadsheetID, req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("add tab %q: %w", title, err)
	}
	if len(resp.Replies) == 0 || resp.Replies[0].AddSheet == nil || resp.Replies[0].AddSheet.Properties == nil {
		return fmt.Errorf("add tab %q: empty reply", title)
	}
	e.sheetIDs[title] = resp.Replies[0].AddSheet.Properties.SheetId
	return nil
}

// loadTabsLocked refreshes the title to sheet id index. e.mu must be held.
func (e *Exporter) loadTabsLocked(ctx context.Context) error {
	ss, err := e.svc.Spreadsheets.Get(e.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	ids := make(map[string]int64, len(ss.Sheets))
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			ids[sh.Properties.Title] = sh.Properties.SheetId
		}
	}
	e.sheetIDs = ids
	return nil
}
