package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Mining struct {
		HourlyReward       string `yaml:"hourly_reward"`
		ActivationHours    int    `yaml:"activation_hours"`
		StreakHours        int    `yaml:"streak_hours"`
		StreakBonusPercent int    `yaml:"streak_bonus_percent"`
		MaxStreakDays      int    `yaml:"max_streak_days"`
		RandomBonusPercent int    `yaml:"random_bonus_percent"`
		RandomBonusMax     string `yaml:"random_bonus_max"`
	} `yaml:"mining"`
	PayPal struct {
		BaseURL      string `yaml:"base_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		ReturnURL    string `yaml:"return_url"`
		CancelURL    string `yaml:"cancel_url"`
	} `yaml:"paypal"`
	Flutterwave struct {
		BaseURL     string `yaml:"base_url"`
		SecretKey   string `yaml:"secret_key"`
		RedirectURL string `yaml:"redirect_url"`
	} `yaml:"flutterwave"`
	BNB struct {
		XPub         string `yaml:"xpub"`
		RPCEndpoint  string `yaml:"rpc_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
		USDPerBNB    string `yaml:"usd_per_bnb"`
		ConfirmDepth int64  `yaml:"confirm_depth"`
	} `yaml:"bnb"`
	Polling struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		MaxAttempts     int `yaml:"max_attempts"`
	} `yaml:"polling"`
	Worker struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"worker"`
	Offline struct {
		DBPath      string `yaml:"db_path"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"offline"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	var cfg Config
	applyDefaults(&cfg)

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.Log.Level = "info"
	cfg.Mining.HourlyReward = "1"
	cfg.Mining.ActivationHours = 24
	cfg.Mining.StreakHours = 48
	cfg.Mining.StreakBonusPercent = 5
	cfg.Mining.MaxStreakDays = 10
	cfg.Mining.RandomBonusPercent = 0
	cfg.Mining.RandomBonusMax = "0"
	cfg.PayPal.BaseURL = "https://api-m.paypal.com"
	cfg.Flutterwave.BaseURL = "https://api.flutterwave.com"
	cfg.BNB.USDPerBNB = "600"
	cfg.BNB.ConfirmDepth = 3
	cfg.Polling.IntervalSeconds = 10
	cfg.Polling.MaxAttempts = 30
	cfg.Worker.IntervalSeconds = 60
	cfg.Offline.DBPath = "offline.db"
	cfg.Offline.MaxAttempts = 3
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MINING_HOURLY_REWARD"); v != "" {
		cfg.Mining.HourlyReward = v
	}
	if v := os.Getenv("MINING_ACTIVATION_HOURS"); v != "" {
		cfg.Mining.ActivationHours = atoiOr(cfg.Mining.ActivationHours, v)
	}
	if v := os.Getenv("MINING_STREAK_HOURS"); v != "" {
		cfg.Mining.StreakHours = atoiOr(cfg.Mining.StreakHours, v)
	}
	if v := os.Getenv("MINING_STREAK_BONUS_PERCENT"); v != "" {
		cfg.Mining.StreakBonusPercent = atoiOr(cfg.Mining.StreakBonusPercent, v)
	}
	if v := os.Getenv("MINING_MAX_STREAK_DAYS"); v != "" {
		cfg.Mining.MaxStreakDays = atoiOr(cfg.Mining.MaxStreakDays, v)
	}
	if v := os.Getenv("MINING_RANDOM_BONUS_PERCENT"); v != "" {
		cfg.Mining.RandomBonusPercent = atoiOr(cfg.Mining.RandomBonusPercent, v)
	}
	if v := os.Getenv("MINING_RANDOM_BONUS_MAX"); v != "" {
		cfg.Mining.RandomBonusMax = v
	}
	if v := os.Getenv("PAYPAL_BASE_URL"); v != "" {
		cfg.PayPal.BaseURL = v
	}
	if v := os.Getenv("PAYPAL_CLIENT_ID"); v != "" {
		cfg.PayPal.ClientID = v
	}
	if v := os.Getenv("PAYPAL_CLIENT_SECRET"); v != "" {
		cfg.PayPal.ClientSecret = v
	}
	if v := os.Getenv("FLUTTERWAVE_BASE_URL"); v != "" {
		cfg.Flutterwave.BaseURL = v
	}
	if v := os.Getenv("FLUTTERWAVE_SECRET_KEY"); v != "" {
		cfg.Flutterwave.SecretKey = v
	}
	if v := os.Getenv("BNB_XPUB"); v != "" {
		cfg.BNB.XPub = v
	}
	if v := os.Getenv("BNB_RPC_ENDPOINT"); v != "" {
		cfg.BNB.RPCEndpoint = v
	}
	if v := os.Getenv("BNB_WS_ENDPOINT"); v != "" {
		cfg.BNB.WSEndpoint = v
	}
	if v := os.Getenv("BNB_USD_PER_BNB"); v != "" {
		cfg.BNB.USDPerBNB = v
	}
	if v := os.Getenv("BNB_CONFIRM_DEPTH"); v != "" {
		cfg.BNB.ConfirmDepth = atoi64Or(cfg.BNB.ConfirmDepth, v)
	}
	if v := os.Getenv("POLLING_INTERVAL_SECONDS"); v != "" {
		cfg.Polling.IntervalSeconds = atoiOr(cfg.Polling.IntervalSeconds, v)
	}
	if v := os.Getenv("POLLING_MAX_ATTEMPTS"); v != "" {
		cfg.Polling.MaxAttempts = atoiOr(cfg.Polling.MaxAttempts, v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoiOr(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("OFFLINE_DB_PATH"); v != "" {
		cfg.Offline.DBPath = v
	}
	if v := os.Getenv("OFFLINE_MAX_ATTEMPTS"); v != "" {
		cfg.Offline.MaxAttempts = atoiOr(cfg.Offline.MaxAttempts, v)
	}
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
