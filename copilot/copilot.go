// Package copilot sequences prompt composition, generation and script execution for one session.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"btcopilot/config"
	"btcopilot/internal/logger"
	"btcopilot/library"
	"btcopilot/llm"
	"btcopilot/prompt"
	"btcopilot/runner"
	"btcopilot/session"
)

// Basis 反馈/可视化的依据
type Basis string

const (
	BasisCode        Basis = "code"
	BasisDescription Basis = "description"
)

// ParseBasis accepts "code" or "description"; an empty string means code.
func ParseBasis(s string) (Basis, error) {
	switch Basis(strings.ToLower(strings.TrimSpace(s))) {
	case "", BasisCode:
		return BasisCode, nil
	case BasisDescription:
		return BasisDescription, nil
	}
	return "", fmt.Errorf("%w: %q (want code or description)", ErrInvalidBasis, s)
}

// RunReport is the outcome of a best-effort script run. Err is set when the script
// could not be started or exited non-zero; it is never returned as an operation error.
type RunReport struct {
	runner.Result
	Err error `json:"-"`
}

func (r RunReport) OK() bool { return r.Err == nil }

// VisualizeResult 可视化结果
type VisualizeResult struct {
	Basis  Basis     `json:"basis"`
	Script string    `json:"script"`
	Source string    `json:"source"`
	Run    RunReport `json:"run"`
}

// BacktestResult 回测运行结果
type BacktestResult struct {
	Script string    `json:"script"`
	Run    RunReport `json:"run"`
}

// Answers are the replies collected by the interactive autopilot.
type Answers struct {
	ProjectName  string
	DataPipeline string
	Strategy     string
	Analyzers    string
}

// Copilot 会话编排器. Not safe for concurrent use.
type Copilot struct {
	cfg    config.Config
	lib    prompt.Resolver
	gen    llm.Generator
	runner runner.Runner
	log    *logger.Logger
	sess   *session.Session
}

// Option customises a Copilot built by New.
type Option func(*Copilot)

func WithRunner(r runner.Runner) Option {
	return func(c *Copilot) { c.runner = r }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Copilot) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSession resumes an existing session instead of starting empty.
func WithSession(s *session.Session) Option {
	return func(c *Copilot) {
		if s != nil {
			c.sess = s
		}
	}
}

// New wires a copilot from already built parts. cfg is copied.
func New(cfg *config.Config, lib prompt.Resolver, gen llm.Generator, opts ...Option) *Copilot {
	c := &Copilot{
		cfg: *cfg,
		lib: lib,
		gen: gen,
		log: logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runner == nil {
		c.runner = runner.NewInterpreter(c.cfg.Python, c.cfg.Timeout)
	}
	if c.sess == nil {
		c.sess = session.New(c.cfg.ProjectName)
	} else if c.sess.ProjectName != "" {
		c.cfg.ProjectName = c.sess.ProjectName
	}
	return c
}

// Open loads the prompt library and builds the configured generator. Every goal code the
// copilot uses must be present, so a broken library fails here instead of mid-session.
func Open(cfg *config.Config, log *logger.Logger, opts ...Option) (*Copilot, error) {
	var libOpts []library.Option
	if enc := strings.ToLower(cfg.LibraryEncoding); enc != "" && enc != "utf-8" && enc != "utf8" {
		libOpts = append(libOpts, library.WithEncoding(enc))
	}
	store, err := library.Load(cfg.ResourcesDir, cfg.PromptLib, libOpts...)
	if err != nil {
		return nil, err
	}
	if err := store.Require(prompt.RequiredGoals...); err != nil {
		return nil, fmt.Errorf("prompt library %s: %w", store.Source(), err)
	}
	gen, err := llm.New(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("copilot ready", "library", store.Source(), "templates", store.Len(), "provider", gen.Name())
	return New(cfg, store, gen, append([]Option{WithLogger(log)}, opts...)...), nil
}

// Templates lists the goal codes of the loaded library when it can enumerate them.
func (c *Copilot) Templates() []string {
	if k, ok := c.lib.(interface{ Keys() []string }); ok {
		return k.Keys()
	}
	return nil
}

// Session exposes the live session.
func (c *Copilot) Session() *session.Session { return c.sess }

func (c *Copilot) Config() config.Config { return c.cfg }

func (c *Copilot) ProjectName() string { return c.cfg.ProjectName }

// SetProjectName renames the project; output paths follow the new name.
func (c *Copilot) SetProjectName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty project name", ErrInvalidInput)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: project name %q contains a path separator", ErrInvalidInput, name)
	}
	c.cfg.ProjectName = name
	c.sess.ProjectName = name
	return nil
}

// SetFragment renders set_<name> with userInput and stores it. The custom fragment has no
// template and is stored verbatim.
func (c *Copilot) SetFragment(name session.Fragment, userInput string) error {
	if name == session.Custom {
		c.SetCustom(userInput)
		return nil
	}
	goal, ok := fragmentGoals[name]
	if !ok {
		return fmt.Errorf("%w: unknown fragment %q", ErrInvalidInput, name)
	}
	text, err := prompt.Single(c.lib, goal, userInput)
	if err != nil {
		return err
	}
	c.sess.Set(name, text)
	return nil
}

var fragmentGoals = map[session.Fragment]string{
	session.DataPipeline: prompt.GoalSetDataPipeline,
	session.Strategy:     prompt.GoalSetStrategy,
	session.Analyzers:    prompt.GoalSetAnalyzers,
}

func (c *Copilot) SetDataPipeline(userInput string) error {
	return c.SetFragment(session.DataPipeline, userInput)
}

func (c *Copilot) SetStrategy(userInput string) error {
	return c.SetFragment(session.Strategy, userInput)
}

func (c *Copilot) SetAnalyzers(userInput string) error {
	return c.SetFragment(session.Analyzers, userInput)
}

func (c *Copilot) SetCustom(text string) {
	c.sess.Set(session.Custom, text)
}

// Compose concatenates the fragments in fixed order, wraps them in the submission
// template and stores the result as the composed prompt.
func (c *Copilot) Compose() (string, error) {
	out, err := prompt.Submission(c.lib, c.sess.Fragments.Combined())
	if err != nil {
		return "", err
	}
	c.sess.SetPrompt(out)
	return out, nil
}

// GenerateCode sends the composed prompt to the generator and stores the reply as the
// code artifact. A session that was never composed is composed first.
func (c *Copilot) GenerateCode(ctx context.Context) (string, error) {
	if c.sess.Prompt == "" {
		if _, err := c.Compose(); err != nil {
			return "", err
		}
	}
	text, err := c.complete(ctx, "build", c.sess.Prompt, c.cfg.Temps.Coding)
	if err != nil {
		return "", err
	}
	if c.cfg.StripCodeFences {
		text = llm.ExtractCode(text)
	}
	c.sess.SetCode(text)
	return text, nil
}

// DescribeStrategy explains the current code artifact in natural language.
func (c *Copilot) DescribeStrategy(ctx context.Context) (string, error) {
	p, err := prompt.Single(c.lib, prompt.GoalStrategyDescription, c.sess.Code)
	if err != nil {
		return "", err
	}
	return c.complete(ctx, "describe", p, c.cfg.Temps.StrategyDescr)
}

// Feedback critiques the strategy, read either from the code artifact or from the
// strategy fragment.
func (c *Copilot) Feedback(ctx context.Context, basis Basis) (string, error) {
	goal, input, err := c.basisInput(basis, prompt.GoalFeedbackFromCode, prompt.GoalFeedbackFromDescription)
	if err != nil {
		return "", err
	}
	p, err := prompt.Single(c.lib, goal, input)
	if err != nil {
		return "", err
	}
	return c.complete(ctx, "feedback", p, c.cfg.Temps.StrategyFeedback)
}

// Visualize asks for a plotting script, writes it next to the code artifact and runs it.
// A failed run is reported in the result and logged; plotting usually needs graphviz.
func (c *Copilot) Visualize(ctx context.Context, basis Basis) (*VisualizeResult, error) {
	goal, input, err := c.basisInput(basis, prompt.GoalVisualisationFromCode, prompt.GoalVisualisationFromDescription)
	if err != nil {
		return nil, err
	}
	p, err := prompt.Single(c.lib, goal, input)
	if err != nil {
		return nil, err
	}
	src, err := c.complete(ctx, "visualize", p, c.cfg.Temps.Visualisation)
	if err != nil {
		return nil, err
	}
	if c.cfg.StripCodeFences {
		src = llm.ExtractCode(src)
	}

	script := c.cfg.PlotScriptPath()
	if err := writeFile(script, src); err != nil {
		return nil, err
	}
	res := &VisualizeResult{Basis: basis, Script: script, Source: src}
	res.Run = c.runScript(ctx, "visualize", script)
	if res.Run.OK() {
		c.log.Info("plotted flow chart", "script", script)
	} else {
		c.log.Warn("visualisation script failed; ensure graphviz is installed", "script", script, "err", res.Run.Err)
	}
	return res, nil
}

// LoadCode replaces the code artifact with the contents of path. On failure the artifact
// is left untouched.
func (c *Copilot) LoadCode(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty code path", ErrInvalidInput)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: code file %s", ErrResourceNotFound, path)
		}
		return fmt.Errorf("read code %s: %w", path, err)
	}
	c.sess.SetCode(string(b))
	c.log.Debug("code loaded", "path", path, "bytes", len(b))
	return nil
}

// ProjectFile resolves rel against the output directory, then the resources directory.
// Absolute paths and paths that climb out of those directories are rejected.
func (c *Copilot) ProjectFile(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: empty code path", ErrInvalidInput)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q must be relative to the output or resources directory", ErrInvalidInput, rel)
	}
	for _, dir := range []string{c.cfg.OutputDir, c.cfg.ResourcesDir} {
		p := filepath.Join(dir, clean)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return filepath.Join(c.cfg.OutputDir, clean), nil
}

// LoadBoilerplate loads resources/boilerplate_<kind>.py as the code artifact.
func (c *Copilot) LoadBoilerplate(kind string) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "basic"
	}
	if strings.ContainsAny(kind, `/\.`) {
		return fmt.Errorf("%w: boilerplate kind %q", ErrInvalidInput, kind)
	}
	return c.LoadCode(filepath.Join(c.cfg.ResourcesDir, "boilerplate_"+kind+".py"))
}

// SaveCode writes the code artifact to <output_dir>/<project>.py and returns the path.
func (c *Copilot) SaveCode() (string, error) {
	path := c.cfg.CodePath()
	if err := writeFile(path, c.sess.Code); err != nil {
		return "", err
	}
	c.log.Info("code saved", "path", path, "bytes", len(c.sess.Code))
	return path, nil
}

// RunBacktest executes the saved code artifact. Execution failures are recorded in the
// result, not returned.
func (c *Copilot) RunBacktest(ctx context.Context) *BacktestResult {
	script := c.cfg.CodePath()
	res := &BacktestResult{Script: script}
	res.Run = c.runScript(ctx, "backtest", script)
	if !res.Run.OK() {
		c.log.Error("backtest failed", "script", script, "err", res.Run.Err)
	}
	return res
}

// Autopilot applies interactive answers through the regular setters. Blank answers leave
// the corresponding value unchanged.
func (c *Copilot) Autopilot(a Answers) error {
	if strings.TrimSpace(a.ProjectName) != "" {
		if err := c.SetProjectName(a.ProjectName); err != nil {
			return err
		}
	}
	steps := []struct {
		name  session.Fragment
		input string
	}{
		{session.DataPipeline, a.DataPipeline},
		{session.Strategy, a.Strategy},
		{session.Analyzers, a.Analyzers},
	}
	for _, st := range steps {
		if strings.TrimSpace(st.input) == "" {
			continue
		}
		if err := c.SetFragment(st.name, st.input); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot persists the session to <output_dir>/<project>.session.json.
func (c *Copilot) Snapshot() (string, error) {
	path := c.cfg.SessionPath()
	if err := session.SaveFile(path, c.sess); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return path, nil
}

// Restore replaces the live session with the snapshot for the current project.
func (c *Copilot) Restore() error {
	s, err := session.LoadFile(c.cfg.SessionPath())
	if err != nil {
		return err
	}
	c.sess = s
	if s.ProjectName != "" {
		c.cfg.ProjectName = s.ProjectName
	}
	return nil
}

func (c *Copilot) basisInput(basis Basis, codeGoal, descrGoal string) (goal, input string, err error) {
	switch basis {
	case BasisCode:
		return codeGoal, c.sess.Code, nil
	case BasisDescription:
		return descrGoal, c.sess.Get(session.Strategy), nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrInvalidBasis, basis)
}

func (c *Copilot) complete(ctx context.Context, op, p string, temperature float64) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := c.gen.Complete(ctx, p, temperature)
	if err != nil {
		c.log.Error("generation failed", "op", op, "provider", c.gen.Name(), "err", err)
		return "", err
	}
	c.log.Info("generation done", "op", op, "provider", c.gen.Name(),
		"temperature", temperature, "prompt_chars", len(p), "reply_chars", len(out),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return out, nil
}

func (c *Copilot) runScript(ctx context.Context, op, script string) RunReport {
	res, err := c.runner.Run(ctx, script)
	c.log.Debug("script finished", "op", op, "script", script, "exit_code", res.ExitCode, "elapsed", res.Duration)
	return RunReport{Result: res, Err: err}
}

func writeFile(path, content string) error {
	if err := ensureParentDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
