package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"log"
)

type Config struct {
	LogLevel    string `env:"Log_Level" envDefault:"info"`
	Coordinator Coordinator
	Mesh        Mesh
	Redis       Redis
	HTTP        HTTP
}

type Coordinator struct {
	MaxWorkers     int           `env:"Coordinator_MaxWorkers" envDefault:"2"`
	WriteTimeout   time.Duration `env:"Coordinator_WriteTimeout" envDefault:"2s"`
	ReadTimeout    time.Duration `env:"Coordinator_ReadTimeout" envDefault:"2s"`
	DebounceWindow time.Duration `env:"Coordinator_DebounceWindow" envDefault:"500ms"`
}

// Mesh configures the simulated radio network.
type Mesh struct {
	Latency time.Duration `env:"Mesh_Latency" envDefault:"80ms"`
	Jitter  time.Duration `env:"Mesh_Jitter" envDefault:"40ms"`
	Devices []string      `env:"Mesh_Devices" envDefault:"00124b0014d5a1f2:dimmer,0017880100aabbcc:switch" envSeparator:","`
}

type Redis struct {
	Enabled   bool   `env:"Redis_Enabled" envDefault:"false"`
	Addr      string `env:"Redis_Address" envDefault:"localhost:6379"`
	Password  string `env:"Redis_Password"`
	DB        int    `env:"Redis_DB"`
	StreamKey string `env:"Redis_StreamKey" envDefault:"meshcoord:settled"`
	StateKey  string `env:"Redis_StateKey" envDefault:"meshcoord:state"`
	MaxLen    int64  `env:"Redis_StreamMaxLen" envDefault:"10000"`
}

type HTTP struct {
	Port int `env:"HTTP_Port" envDefault:"8080"`
}

// Parse reads the configuration from the environment, after loading a .env
// file from the working directory if there is one.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func Load() *Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}

	return c
}
