package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSettingsFile is looked up in the working directory when no -config is given.
const DefaultSettingsFile = "settings.yaml"

// YAMLConfig settings.yaml 文件结构
type YAMLConfig struct {
	ResourcesDir string `yaml:"resources_dir"`
	OutputDir    string `yaml:"output_dir"`
	ProjectName  string `yaml:"project_name"`
	PromptLib    string `yaml:"prompt_lib"`

	// Pointers so an explicit 0 in the file is distinguishable from "unset".
	CodingTemp           *float64 `yaml:"coding_temp"`
	StrategyFeedbackTemp *float64 `yaml:"strategy_feedback_temp"`
	StrategyDescrTemp    *float64 `yaml:"strategy_descr_temp"`
	VisStratTemp         *float64 `yaml:"vis_strat_temp"`

	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	MaxTokens       int    `yaml:"max_tokens"`
	Timeout         string `yaml:"timeout"`
	TestMode        *bool  `yaml:"test_mode"`
	Python          string `yaml:"python"`
	StripCodeFences *bool  `yaml:"strip_code_fences"`
	LogMode         string `yaml:"log_mode"`
	Listen          string `yaml:"listen"`
	LibraryEncoding string `yaml:"library_encoding"`
}

// Temperatures 每类调用的采样温度
type Temperatures struct {
	Coding           float64
	StrategyFeedback float64
	StrategyDescr    float64
	Visualisation    float64
}

// Config 运行配置
type Config struct {
	ResourcesDir string
	OutputDir    string
	ProjectName  string
	PromptLib    string

	Temps Temperatures

	// Generation backend: openai, anthropic, ollama or offline.
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	MaxTokens int

	// Bounds each model call and script run.
	Timeout time.Duration

	// TestMode forces the offline generator; no network calls are made.
	TestMode bool

	// Interpreter used for generated scripts.
	Python string

	StripCodeFences bool
	LogMode         string
	Listen          string
	LibraryEncoding string
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	ResourcesDir: "resources",
	OutputDir:    "outputs",
	ProjectName:  "myBacktest",
	PromptLib:    "prompt_library.csv",
	Temps: Temperatures{
		Coding:           0.3,
		StrategyFeedback: 0.7,
		StrategyDescr:    0.3,
		Visualisation:    0.2,
	},
	Provider:        "openai",
	MaxTokens:       2000,
	Timeout:         5 * time.Minute,
	Python:          "python3",
	StripCodeFences: true,
	LogMode:         "dev",
	Listen:          "127.0.0.1:19528",
	LibraryEncoding: "utf-8",
}

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"ollama":    true,
	"offline":   true,
}

// LibraryPath is the full path of the prompt library file.
func (c Config) LibraryPath() string {
	return filepath.Join(c.ResourcesDir, c.PromptLib)
}

// CodePath is where the code artifact is saved.
func (c Config) CodePath() string {
	return filepath.Join(c.OutputDir, c.ProjectName+".py")
}

// PlotScriptPath is where generated visualisation scripts are written.
func (c Config) PlotScriptPath() string {
	return filepath.Join(c.OutputDir, c.ProjectName+"_plotscript.py")
}

// SessionPath is where session snapshots are stored.
func (c Config) SessionPath() string {
	return filepath.Join(c.OutputDir, c.ProjectName+".session.json")
}

// Validate fails fast on values no operation could work with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ProjectName) == "" {
		return errors.New("project_name is required")
	}
	if strings.ContainsAny(c.ProjectName, `/\`) {
		return fmt.Errorf("project_name %q must not contain path separators", c.ProjectName)
	}
	if strings.TrimSpace(c.ResourcesDir) == "" {
		return errors.New("resources_dir is required")
	}
	if strings.TrimSpace(c.PromptLib) == "" {
		return errors.New("prompt_lib is required")
	}
	if !validProviders[c.Provider] {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	for name, t := range map[string]float64{
		"coding_temp":            c.Temps.Coding,
		"strategy_feedback_temp": c.Temps.StrategyFeedback,
		"strategy_descr_temp":    c.Temps.StrategyDescr,
		"vis_strat_temp":         c.Temps.Visualisation,
	} {
		if t < 0 || t > 2 {
			return fmt.Errorf("%s must be between 0 and 2, got %v", name, t)
		}
	}
	if c.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if !c.TestMode && (c.Provider == "openai" || c.Provider == "anthropic") && c.APIKey == "" {
		return fmt.Errorf("api key is required for provider %s (set API_KEY or enable test_mode)", c.Provider)
	}
	return nil
}

// LoadFromFile 从YAML文件加载配置
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var yc YAMLConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	config := DefaultConfig
	if err := apply(&config, yc); err != nil {
		return nil, err
	}
	return &config, nil
}

func apply(config *Config, yc YAMLConfig) error {
	if yc.ResourcesDir != "" {
		config.ResourcesDir = yc.ResourcesDir
	}
	if yc.OutputDir != "" {
		config.OutputDir = yc.OutputDir
	}
	if yc.ProjectName != "" {
		config.ProjectName = yc.ProjectName
	}
	if yc.PromptLib != "" {
		config.PromptLib = yc.PromptLib
	}

	if yc.CodingTemp != nil {
		config.Temps.Coding = *yc.CodingTemp
	}
	if yc.StrategyFeedbackTemp != nil {
		config.Temps.StrategyFeedback = *yc.StrategyFeedbackTemp
	}
	if yc.StrategyDescrTemp != nil {
		config.Temps.StrategyDescr = *yc.StrategyDescrTemp
	}
	if yc.VisStratTemp != nil {
		config.Temps.Visualisation = *yc.VisStratTemp
	}

	if yc.Provider != "" {
		config.Provider = strings.ToLower(strings.TrimSpace(yc.Provider))
	}
	if yc.Model != "" {
		config.Model = yc.Model
	}
	if yc.BaseURL != "" {
		config.BaseURL = yc.BaseURL
	}
	if yc.APIKey != "" {
		config.APIKey = yc.APIKey
	}
	if yc.MaxTokens > 0 {
		config.MaxTokens = yc.MaxTokens
	}
	if yc.Timeout != "" {
		d, err := time.ParseDuration(yc.Timeout)
		if err != nil {
			return fmt.Errorf("parse timeout %q: %w", yc.Timeout, err)
		}
		config.Timeout = d
	}
	if yc.TestMode != nil {
		config.TestMode = *yc.TestMode
	}
	if yc.Python != "" {
		config.Python = yc.Python
	}
	if yc.StripCodeFences != nil {
		config.StripCodeFences = *yc.StripCodeFences
	}
	if yc.LogMode != "" {
		config.LogMode = yc.LogMode
	}
	if yc.Listen != "" {
		config.Listen = yc.Listen
	}
	if yc.LibraryEncoding != "" {
		config.LibraryEncoding = strings.ToLower(yc.LibraryEncoding)
	}
	return nil
}

// GetConfig 获取配置 (优先级: 环境变量 > 配置文件 > 默认值)
//
// A .env file in the working directory is loaded first; variables already set in the
// process environment win over it. When configPath is empty, ./settings.yaml is used if present.
func GetConfig(configPath string) (*Config, error) {
	return GetConfigWith(configPath, nil)
}

// GetConfigWith is GetConfig with a final override step (command-line flags) applied
// before validation.
func GetConfigWith(configPath string, override func(*Config)) (*Config, error) {
	_ = godotenv.Load()

	config := DefaultConfig
	if configPath == "" {
		if _, err := os.Stat(DefaultSettingsFile); err == nil {
			configPath = DefaultSettingsFile
		}
	}
	if configPath != "" {
		cfg, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = *cfg
	}

	if err := applyEnv(&config); err != nil {
		return nil, err
	}
	if override != nil {
		override(&config)
	}
	if config.TestMode {
		config.Provider = "offline"
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyEnv(config *Config) error {
	if p := os.Getenv("BTCOPILOT_PROVIDER"); p != "" {
		config.Provider = strings.ToLower(strings.TrimSpace(p))
	}
	if m := os.Getenv("BTCOPILOT_MODEL"); m != "" {
		config.Model = m
	}
	if v := os.Getenv("BTCOPILOT_TEST_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse BTCOPILOT_TEST_MODE: %w", err)
		}
		config.TestMode = b
	}
	if key := getAPIKey(config.Provider); key != "" {
		config.APIKey = key
	}
	return nil
}

// getAPIKey 获取 API Key
func getAPIKey(provider string) string {
	if key := os.Getenv("API_KEY"); key != "" {
		return key
	}
	if provider == "anthropic" {
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			return key
		}
		return ""
	}
	return os.Getenv("OPENAI_API_KEY")
}
