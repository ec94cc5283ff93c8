package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/gamgui.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Backend substrate settings
	K8sNamespace    string `envconfig:"K8S_NAMESPACE" default:"gamgui"`
	DockerHost      string `envconfig:"DOCKER_HOST" default:""`
	SessionImage    string `envconfig:"SESSION_IMAGE" default:"gamgui/gam-session:latest"`
	GamPath         string `envconfig:"GAM_PATH" default:"gam"`
	BackendPolicy   string `envconfig:"BACKEND_POLICY" default:""`
	MaxOrchestrated int    `envconfig:"MAX_ORCHESTRATED_SESSIONS" default:"20"`

	// Session lifecycle settings
	SessionIdleTimeout string `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	ProvisionTimeout   string `envconfig:"PROVISION_TIMEOUT" default:"120s"`

	// Auth is handled upstream; these only matter for local development.
	AuthDisabled     bool   `envconfig:"AUTH_DISABLED" default:"false"`
	DefaultPrincipal string `envconfig:"DEFAULT_PRINCIPAL" default:"admin@localhost"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("GAMGUI", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
