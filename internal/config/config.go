package config

import "os"

type Config struct {
	Port      string
	ModelsDir string
}

func Load() *Config {
	return &Config{
		Port:      getEnv("PORT", "8080"),
		ModelsDir: getEnv("MODELS_DIR", "./models"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
