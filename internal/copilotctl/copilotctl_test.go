package copilotctl

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btcopilot"
	"btcopilot/llm"
	"btcopilot/session"
)

type project struct {
	dir      string
	settings string
}

func (p project) output(name string) string {
	return filepath.Join(p.dir, "outputs", name)
}

// newProject scaffolds resources into a temp dir and writes a test-mode settings file.
func newProject(t *testing.T, extra string) project {
	t.Helper()
	for _, k := range []string{"BTCOPILOT_PROVIDER", "BTCOPILOT_MODEL", "BTCOPILOT_TEST_MODE", "API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	t.Chdir(dir)
	_, err := btcopilot.Scaffold(dir, "resources", false)
	require.NoError(t, err)

	settings := filepath.Join(dir, "settings.yaml")
	body := "resources_dir: " + filepath.Join(dir, "resources") + "\n" +
		"output_dir: " + filepath.Join(dir, "outputs") + "\n" +
		"test_mode: true\nlog_mode: quiet\n" + extra
	require.NoError(t, os.WriteFile(settings, []byte(body), 0o644))
	return project{dir: dir, settings: settings}
}

func (p project) run(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(append(args, "--config", p.settings), strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestBuildPromptOnly(t *testing.T) {
	p := newProject(t, "")

	code, out, errOut := p.run(t, "", "build", "--prompt-only", "--strategy", "sma 7/13 cross", "--analyzers", "sharpe")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Strategy: implement these trading rules as a bt.Strategy subclass. sma 7/13 cross")
	assert.Less(t, strings.Index(out, "sma 7/13 cross"), strings.Index(out, "sharpe"), "strategy comes before analyzers")
	assert.NoFileExists(t, p.output("myBacktest.py"))
}

func TestBuildSavesCodeAndSession(t *testing.T) {
	p := newProject(t, "")

	code, out, errOut := p.run(t, "", "build", "--strategy", "sma cross")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Code saved to "+p.output("myBacktest.py"))

	b, err := os.ReadFile(p.output("myBacktest.py"))
	require.NoError(t, err)
	assert.Equal(t, llm.OfflineText, string(b))

	s, err := session.LoadFile(p.output("myBacktest.session.json"))
	require.NoError(t, err)
	assert.Contains(t, s.Get(session.Strategy), "sma cross")
	assert.Equal(t, llm.OfflineText, s.Code)
}

func TestBuildResumesSession(t *testing.T) {
	p := newProject(t, "")

	code, _, errOut := p.run(t, "", "build", "--prompt-only", "--data", "btc-usd.csv")
	require.Equal(t, 0, code, errOut)

	code, out, _ := p.run(t, "", "build", "--prompt-only", "--strategy", "rsi below 30")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "btc-usd.csv")
	assert.Contains(t, out, "rsi below 30")

	code, out, _ = p.run(t, "", "build", "--prompt-only", "--resume=false")
	require.Equal(t, 0, code)
	assert.NotContains(t, out, "btc-usd.csv")
}

func TestBuildStrategyFromStdin(t *testing.T) {
	p := newProject(t, "")

	code, out, errOut := p.run(t, "buy the dip\n", "build", "--prompt-only", "--strategy-file", "-")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "buy the dip")
}

func TestDescribeWritesOutput(t *testing.T) {
	p := newProject(t, "")
	outFile := filepath.Join(p.dir, "notes", "description.md")

	code, out, errOut := p.run(t, "", "describe", "--code", filepath.Join(p.dir, "resources", "example_backtest.py"), "-o", outFile)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Strategy description")
	assert.Contains(t, out, "Lorem ipsum")

	b, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, llm.OfflineText+"\n", string(b))
}

func TestDescribeMissingCode(t *testing.T) {
	p := newProject(t, "")

	code, _, errOut := p.run(t, "", "describe", "--code", "missing.py")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "resource not found")
}

func TestFeedbackBasis(t *testing.T) {
	p := newProject(t, "")

	code, out, errOut := p.run(t, "", "feedback", "--basis", "description", "--strategy", "sma cross")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Strategy feedback (description)")

	code, _, errOut = p.run(t, "", "feedback", "--basis", "chart")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "invalid basis")
}

func TestBacktestRunsScript(t *testing.T) {
	sh := requireShell(t)
	p := newProject(t, "python: "+sh+"\n")
	script := filepath.Join(p.dir, "strategy.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo 'Final Portfolio Value: 10250.00'\n"), 0o644))

	code, out, errOut := p.run(t, "", "backtest", "--code", script)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Final Portfolio Value: 10250.00")
	assert.FileExists(t, p.output("myBacktest.py"))

	require.NoError(t, os.WriteFile(p.output("myBacktest.py"), []byte("echo oops >&2\nexit 3\n"), 0o644))
	code, out, _ = p.run(t, "", "backtest")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "failed (exit 3)")
	assert.Contains(t, out, "oops")
}

func TestVisualizeRecordsFailure(t *testing.T) {
	sh := requireShell(t)
	p := newProject(t, "python: "+sh+"\n")

	// The offline reply is not a valid shell script either, so the run fails but the
	// command still succeeds.
	code, out, errOut := p.run(t, "", "visualize", "--basis", "description", "--strategy", "sma")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "graphviz")
	assert.FileExists(t, p.output("myBacktest_plotscript.py"))
}

func TestAutopilotBuilds(t *testing.T) {
	p := newProject(t, "")

	stdin := "goldenCross\nbtc-usd.csv from yahoo\nsma 7/13 cross\nsharpe ratio\ny\n"
	code, out, errOut := p.run(t, stdin, "autopilot")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "backtrader autopilot")
	assert.Contains(t, out, "That's a wrap!")
	assert.Contains(t, out, "Code saved to "+p.output("goldenCross.py"))

	s, err := session.LoadFile(p.output("goldenCross.session.json"))
	require.NoError(t, err)
	assert.Equal(t, "goldenCross", s.ProjectName)
	assert.Contains(t, s.Get(session.DataPipeline), "btc-usd.csv from yahoo")
	assert.Contains(t, s.Get(session.Analyzers), "sharpe ratio")
	assert.NotEmpty(t, s.Prompt)
}

func TestAutopilotDeclineBuild(t *testing.T) {
	p := newProject(t, "")

	code, out, errOut := p.run(t, "later\ncsv\nsma\nsharpe\nn\n", "autopilot")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "btcopilot build -p later")
	assert.NoFileExists(t, p.output("later.py"))
	assert.FileExists(t, p.output("later.session.json"))
}

func TestAutopilotEOF(t *testing.T) {
	p := newProject(t, "")

	code, _, errOut := p.run(t, "short", "autopilot")
	require.Equal(t, 0, code, errOut)
	assert.FileExists(t, p.output("short.session.json"))
}

func TestBoilerplate(t *testing.T) {
	p := newProject(t, "")

	code, out, errOut := p.run(t, "", "boilerplate")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `Boilerplate "basic"`)
	b, err := os.ReadFile(p.output("myBacktest.py"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "import backtrader as bt")

	code, _, _ = p.run(t, "", "boilerplate", "fancy")
	assert.Equal(t, 1, code)
}

func TestTemplates(t *testing.T) {
	p := newProject(t, "")

	code, out, _ := p.run(t, "", "templates")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "set_analyzers\n")
	assert.Contains(t, out, "submission_prompt_template\n")
}

func TestSessionLocalAndReset(t *testing.T) {
	p := newProject(t, "")

	code, _, _ := p.run(t, "", "build", "--prompt-only", "--strategy", "sma cross")
	require.Equal(t, 0, code)

	code, out, _ := p.run(t, "", "session", "--json")
	require.Equal(t, 0, code)
	var s session.Session
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Contains(t, s.Get(session.Strategy), "sma cross")

	code, out, _ = p.run(t, "", "session", "--reset")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "cleared")

	code, out, _ = p.run(t, "", "session")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "(empty)")
}

func TestSessionFromServer(t *testing.T) {
	s := session.New("remoteProject")
	s.Set(session.Strategy, "Strategy: sma cross\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/session", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": s})
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := run([]string{"session", "--server", srv.URL + "/"}, strings.NewReader(""), &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Project remoteProject")
	assert.Contains(t, out.String(), "Strategy: sma cross")
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	code := run([]string{"init", dir}, strings.NewReader(""), &out, io.Discard)
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), filepath.Join(dir, "settings.yaml"))
	assert.FileExists(t, filepath.Join(dir, "resources", "prompt_library.csv"))

	out.Reset()
	code = run([]string{"init", dir}, strings.NewReader(""), &out, io.Discard)
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "nothing to do")
}

func TestExitCodes(t *testing.T) {
	var errOut bytes.Buffer
	assert.Equal(t, 2, run([]string{"frobnicate"}, strings.NewReader(""), io.Discard, &errOut))
	assert.Equal(t, 2, run([]string{"build", "--no-such-flag"}, strings.NewReader(""), io.Discard, &errOut))

	p := newProject(t, "")
	require.NoError(t, os.Remove(filepath.Join(p.dir, "resources", "prompt_library.csv")))
	code, _, stderr := p.run(t, "", "templates")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "resource_not_found")
}

func TestServePassesRootFlags(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	// A missing settings file fails with 1; flag errors would exit 2.
	code := run([]string{"-p", "goldenCross", "--log-mode", "quiet", "--resume=false", "serve", "--config", missing},
		strings.NewReader(""), io.Discard, io.Discard)
	assert.Equal(t, 1, code)
}

func TestReadInput(t *testing.T) {
	got, err := readInput("inline", "ignored", strings.NewReader("stdin"))
	require.NoError(t, err)
	assert.Equal(t, "inline", got)

	got, err = readInput("", "-", strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	f := filepath.Join(t.TempDir(), "rules.txt")
	require.NoError(t, os.WriteFile(f, []byte("from file"), 0o644))
	got, err = readInput("  ", f, nil)
	require.NoError(t, err)
	assert.Equal(t, "from file", got)

	got, err = readInput("", "", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPrompter(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader(" alpha \nYES\nlast"), &out)

	a, err := p.Ask("name? ")
	require.NoError(t, err)
	assert.Equal(t, "alpha", a)
	ok, err := p.Confirm("go?")
	require.NoError(t, err)
	assert.True(t, ok)
	a, err = p.Ask("tail? ")
	require.NoError(t, err)
	assert.Equal(t, "last", a)
	_, err = p.Ask("more? ")
	assert.ErrorIs(t, err, io.EOF)
	ok, err = p.Confirm("again?")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, out.String(), "go? [y/N]: ")
}
