package util

import (
	"crypto/md5"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

type configValue struct {
	envVarName   string
	required     bool
	errorMessage string
	defaultValue string
	Value        string
}

func (v *configValue) Int() int {
	n, _ := strconv.Atoi(v.Value)
	return n
}

func (v *configValue) Float() float64 {
	f, _ := strconv.ParseFloat(v.Value, 64)
	return f
}

func (v *configValue) Bool() bool {
	b, _ := strconv.ParseBool(v.Value)
	return b
}

// Seconds interprets the value as a whole or fractional number of seconds.
func (v *configValue) Seconds() time.Duration {
	f, _ := strconv.ParseFloat(v.Value, 64)
	return time.Duration(f * float64(time.Second))
}

type Config struct {
	DbConnectionString configValue
	SeqUrl             configValue
	SeqToken           configValue
	Environment        configValue
	ContainerId        configValue

	TotalBrowserWorkers    configValue
	TotalValidationWorkers configValue
	CatalogBufferSize      configValue

	CatalogMaxPages    configValue
	CatalogIncludeHtml configValue
	ObjectIncludeHtml  configValue
	SkipObjectParsing  configValue

	HeartbeatTimeoutSeconds configValue
	HeartbeatUpdateInterval configValue
	HeartbeatCheckInterval  configValue

	MinPrice               configValue
	MinValidatedItems      configValue
	MinSellerReviews       configValue
	EnablePriceValidation  configValue
	EnableAiValidation     configValue
	RequireArticulumInText configValue

	AiEndpoint configValue
	AiModel    configValue
	AiApiKey   configValue

	ReparseMode             configValue
	MinReparseIntervalHours configValue

	ProxyWaitTimeout    configValue
	ProxyRotationBudget configValue
	WrongPageThreshold  configValue

	ServerErrorRetryAttempts configValue
	ServerErrorRetryDelay    configValue

	CollectImages configValue
	S3Endpoint    configValue
	S3AccessKey   configValue
	S3SecretKey   configValue
	S3Bucket      configValue
}

func NewConfig() *Config {
	const dbConnectionStringName = "DB_CONNECTION_STRING"

	return &Config{
		DbConnectionString: configValue{
			envVarName:   dbConnectionStringName,
			required:     true,
			errorMessage: fmt.Sprintf("make sure that environment variable %s is set and in DSN format", dbConnectionStringName),
		},
		SeqUrl:      configValue{envVarName: "SEQ_URL"},
		SeqToken:    configValue{envVarName: "SEQ_TOKEN"},
		Environment: configValue{envVarName: "ENVIRONMENT", defaultValue: "development"},
		ContainerId: configValue{envVarName: "CONTAINER_ID"},

		TotalBrowserWorkers:    configValue{envVarName: "TOTAL_BROWSER_WORKERS", defaultValue: "10"},
		TotalValidationWorkers: configValue{envVarName: "TOTAL_VALIDATION_WORKERS", defaultValue: "2"},
		CatalogBufferSize:      configValue{envVarName: "CATALOG_BUFFER_SIZE", defaultValue: "5"},

		CatalogMaxPages:    configValue{envVarName: "CATALOG_MAX_PAGES", defaultValue: "10"},
		CatalogIncludeHtml: configValue{envVarName: "CATALOG_INCLUDE_HTML", defaultValue: "false"},
		ObjectIncludeHtml:  configValue{envVarName: "OBJECT_INCLUDE_HTML", defaultValue: "false"},
		SkipObjectParsing:  configValue{envVarName: "SKIP_OBJECT_PARSING", defaultValue: "false"},

		HeartbeatTimeoutSeconds: configValue{envVarName: "HEARTBEAT_TIMEOUT_SECONDS", defaultValue: "1800"},
		HeartbeatUpdateInterval: configValue{envVarName: "HEARTBEAT_UPDATE_INTERVAL", defaultValue: "30"},
		HeartbeatCheckInterval:  configValue{envVarName: "HEARTBEAT_CHECK_INTERVAL", defaultValue: "60"},

		MinPrice:               configValue{envVarName: "MIN_PRICE", defaultValue: "1000"},
		MinValidatedItems:      configValue{envVarName: "MIN_VALIDATED_ITEMS", defaultValue: "3"},
		MinSellerReviews:       configValue{envVarName: "MIN_SELLER_REVIEWS", defaultValue: "0"},
		EnablePriceValidation:  configValue{envVarName: "ENABLE_PRICE_VALIDATION", defaultValue: "true"},
		EnableAiValidation:     configValue{envVarName: "ENABLE_AI_VALIDATION", defaultValue: "false"},
		RequireArticulumInText: configValue{envVarName: "REQUIRE_ARTICULUM_IN_TEXT", defaultValue: "false"},

		AiEndpoint: configValue{envVarName: "AI_ENDPOINT"},
		AiModel:    configValue{envVarName: "AI_MODEL", defaultValue: "google/gemini-2.5-flash"},
		AiApiKey:   configValue{envVarName: "AI_API_KEY"},

		ReparseMode:             configValue{envVarName: "REPARSE_MODE", defaultValue: "false"},
		MinReparseIntervalHours: configValue{envVarName: "MIN_REPARSE_INTERVAL_HOURS", defaultValue: "24"},

		ProxyWaitTimeout:    configValue{envVarName: "PROXY_WAIT_TIMEOUT", defaultValue: "10"},
		ProxyRotationBudget: configValue{envVarName: "PROXY_ROTATION_BUDGET", defaultValue: "10"},
		WrongPageThreshold:  configValue{envVarName: "WRONG_PAGE_THRESHOLD", defaultValue: "3"},

		ServerErrorRetryAttempts: configValue{envVarName: "SERVER_ERROR_RETRY_ATTEMPTS", defaultValue: "3"},
		ServerErrorRetryDelay:    configValue{envVarName: "SERVER_ERROR_RETRY_DELAY", defaultValue: "4.0"},

		CollectImages: configValue{envVarName: "COLLECT_IMAGES", defaultValue: "false"},
		S3Endpoint:    configValue{envVarName: "S3_ENDPOINT"},
		S3AccessKey:   configValue{envVarName: "S3_ACCESS_KEY"},
		S3SecretKey:   configValue{envVarName: "S3_SECRET_KEY"},
		S3Bucket:      configValue{envVarName: "S3_BUCKET", defaultValue: "photos"},
	}
}

var config *Config

func GetConfig() *Config {
	if config == nil {
		config = load()
	}

	return config
}

func (c *Config) values() []*configValue {
	return []*configValue{
		&c.DbConnectionString, &c.SeqUrl, &c.SeqToken, &c.Environment, &c.ContainerId,
		&c.TotalBrowserWorkers, &c.TotalValidationWorkers, &c.CatalogBufferSize,
		&c.CatalogMaxPages, &c.CatalogIncludeHtml, &c.ObjectIncludeHtml, &c.SkipObjectParsing,
		&c.HeartbeatTimeoutSeconds, &c.HeartbeatUpdateInterval, &c.HeartbeatCheckInterval,
		&c.MinPrice, &c.MinValidatedItems, &c.MinSellerReviews,
		&c.EnablePriceValidation, &c.EnableAiValidation, &c.RequireArticulumInText,
		&c.AiEndpoint, &c.AiModel, &c.AiApiKey,
		&c.ReparseMode, &c.MinReparseIntervalHours,
		&c.ProxyWaitTimeout, &c.ProxyRotationBudget, &c.WrongPageThreshold,
		&c.ServerErrorRetryAttempts, &c.ServerErrorRetryDelay,
		&c.CollectImages, &c.S3Endpoint, &c.S3AccessKey, &c.S3SecretKey, &c.S3Bucket,
	}
}

func load() *Config {
	config := NewConfig()

	for _, v := range config.values() {
		if err := populateEnv(v); err != nil {
			log.Fatal(err)
		}
	}

	if config.ContainerId.Value == "" {
		config.ContainerId.Value = defaultContainerId()
	}

	if config.MinReparseIntervalHours.Int() < 0 {
		log.Fatal("MIN_REPARSE_INTERVAL_HOURS cannot be negative")
	}

	return config
}

func populateEnv(m *configValue) (err error) {
	v := os.Getenv(m.envVarName)

	if v == "" && m.required {
		if m.errorMessage != "" {
			return errors.New(m.errorMessage)
		}

		return fmt.Errorf("environment variable %s is not set", m.envVarName)
	}

	if v == "" {
		m.Value = m.defaultValue
		return nil
	}

	m.Value = v
	return nil
}

// defaultContainerId derives a short stable id from the hostname so that
// worker ids stay unique across a multi-container fleet.
func defaultContainerId() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	sum := md5.Sum([]byte(hostname))
	return fmt.Sprintf("%x", sum)[:8]
}

// BrowserWorkerId formats the globally unique id of a browser worker.
func (c *Config) BrowserWorkerId(n int) string {
	return fmt.Sprintf("%s_%d", c.ContainerId.Value, n)
}

// ValidationWorkerId formats the globally unique id of a validation worker.
func (c *Config) ValidationWorkerId(n int) string {
	return fmt.Sprintf("%s_V%d", c.ContainerId.Value, n)
}
