package copilotctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"btcopilot/internal/terminalui"
	"btcopilot/session"
)

func (a *app) sessionCmd() *cobra.Command {
	var (
		serverURL string
		asJSON    bool
		reset     bool
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show the saved session, or the live one of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL != "" {
				s, err := fetchSession(cmd.Context(), &http.Client{Timeout: 15 * time.Second}, serverURL)
				if err != nil {
					return err
				}
				return a.printSession(s, asJSON)
			}

			if reset {
				a.resume = false
			}
			cp, err := a.open()
			if err != nil {
				return err
			}
			defer a.done()
			if reset {
				if err := a.save(cp); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Session of %s cleared\n", cp.ProjectName())
				return nil
			}
			s := cp.Session().Snapshot()
			return a.printSession(&s, asJSON)
		},
	}
	f := cmd.Flags()
	f.StringVar(&serverURL, "server", "", "base URL of a running btcopilot server (e.g. http://localhost:19528)")
	f.BoolVar(&asJSON, "json", false, "print the session as JSON")
	f.BoolVar(&reset, "reset", false, "replace the saved session with an empty one")
	return cmd
}

func (a *app) printSession(s *session.Session, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	terminalui.Header(a.out, "Project "+s.ProjectName, s.UpdatedAt)
	fmt.Fprintf(a.out, "  session %s\n", s.ID)
	for _, name := range session.Order {
		v := s.Fragments[name]
		if v == "" {
			fmt.Fprintf(a.out, "  %-13s (empty)\n", name)
			continue
		}
		fmt.Fprintf(a.out, "  %-13s %s\n", name, terminalui.Summary(v, 56))
	}
	if s.Prompt != "" {
		fmt.Fprintf(a.out, "  %-13s %d chars\n", "prompt", len(s.Prompt))
	}
	if s.Code != "" {
		terminalui.Section(a.out, "code", s.Code)
	}
	return nil
}

type sessionResp struct {
	Code int              `json:"code"`
	Data *session.Session `json:"data"`
}

func fetchSession(ctx context.Context, client *http.Client, serverURL string) (*session.Session, error) {
	base := strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if ctx == nil {
		ctx = context.Background()
	}
	var r sessionResp
	if err := getJSON(ctx, client, base+"/api/session", &r); err != nil {
		return nil, err
	}
	if r.Code != 0 || r.Data == nil {
		return nil, fmt.Errorf("%s: unexpected response (code %d)", base, r.Code)
	}
	return r.Data, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: http %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
