package core

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string
	Env     string // DEV (default), TEST, QA, PROD
	Debug   bool
	Build   string

	SecretKey    string
	RollbarToken string

	Backend struct {
		BaseURL            string
		AuthScheme         string        // basic | jwt
		RequestTimeout     time.Duration // login & permission fetch
		ProbeInterval      time.Duration
		ProbeTimeout       time.Duration
		PermissionCooldown time.Duration
	}

	Server struct {
		Addr               string // stub API only
		JWTExpirationDelta time.Duration
	}

	Storage struct {
		Path        string
		RedisAddr   string
		RedisPrefix string
	}
}

func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Mahudhurio")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "w3=kq&0y^fz$8dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("backend.baseURL", "http://localhost:8080/api")
	v.SetDefault("backend.authScheme", "basic")
	v.SetDefault("backend.requestTimeout", 5*time.Second)
	v.SetDefault("backend.probeInterval", 30*time.Second)
	v.SetDefault("backend.probeTimeout", 2*time.Second)
	v.SetDefault("backend.permissionCooldown", 10*time.Second)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.jwtExpirationDelta", 4*time.Hour)
	v.SetDefault("storage.path", filepath.Join(userHomeDir(), ".mahudhurio", "session.json"))
	v.SetDefault("storage.redisAddr", "")
	v.SetDefault("storage.redisPrefix", "mahudhurio:")

	env := os.Getenv("ENV")
	if env == "" {
		env = "DEV"
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := &Config{
		AppName:      v.GetString("appName"),
		Env:          env,
		Debug:        v.GetBool("debug"),
		Build:        v.GetString("build"),
		SecretKey:    v.GetString("secretKey"),
		RollbarToken: v.GetString("rollbarToken"),
	}
	conf.Backend.BaseURL = strings.TrimRight(v.GetString("backend.baseURL"), "/")
	conf.Backend.AuthScheme = strings.ToLower(v.GetString("backend.authScheme"))
	conf.Backend.RequestTimeout = v.GetDuration("backend.requestTimeout")
	conf.Backend.ProbeInterval = v.GetDuration("backend.probeInterval")
	conf.Backend.ProbeTimeout = v.GetDuration("backend.probeTimeout")
	conf.Backend.PermissionCooldown = v.GetDuration("backend.permissionCooldown")
	conf.Server.Addr = v.GetString("server.addr")
	conf.Server.JWTExpirationDelta = v.GetDuration("server.jwtExpirationDelta")
	conf.Storage.Path = v.GetString("storage.path")
	conf.Storage.RedisAddr = v.GetString("storage.redisAddr")
	conf.Storage.RedisPrefix = v.GetString("storage.redisPrefix")
	return conf
}

func (conf *Config) IsTest() bool {
	return conf.Env == "TEST"
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
