package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	sc "github.com/chatmesh/session-controller/internal"
	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var serverID = flag.String("id", uuid.New().String(), "A unique identifier for the server. Defaults to a new uuid.")
var role = flag.String("role", "gateway", "The role this node serves: 'gateway' or 'service'")
var nodePort = flag.Int("node-port", 7946, "The bind port for the cluster membership gossip")
var rpcPort = flag.Int("rpc-port", 50052, "The bind port for the cluster rpc transport")
var advertise = flag.String("advertise", "", "The address that this node advertises on within the cluster")
var join = flag.String("join", "", "A comma-separated list of 'host:port' addresses for nodes in the cluster to join to")
var configPath = flag.String("config", "./localconfig/config.yaml", "The path to the server config")

type Config struct {
	Session struct {
		TreatUserIdAndDeviceTypeAsUniqueUser bool
	}

	Rpc struct {
		RequestTimeoutMillis int
	}
}

func main() {

	flag.Parse()

	viper.SetConfigFile(*configPath)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Failed to load server config file: %v", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Failed to Unmarshal server config: %v", err)
	}

	nodeRole, err := sc.ParseNodeRole(*role)
	if err != nil {
		log.Fatalf("Failed to parse the node role: %v", err)
	}

	log.Info("Starting session-controller")
	log.Infof("  Version: %s", version)
	log.Infof("  Date: %s", date)
	log.Infof("  Commit: %s", commit)
	log.Infof("  Go version: %s", runtime.Version())

	ctrlOpts := []sc.SessionControllerOption{
		sc.WithNodeConfigs(sc.NodeConfigs{
			ServerID:  *serverID,
			Role:      nodeRole,
			Advertise: *advertise,
			Join:      *join,
			NodePort:  *nodePort,
			RpcPort:   *rpcPort,
		}),
		sc.WithSessionRegistryConfig(sc.SessionRegistryConfig{
			TreatUserIDAndDeviceTypeAsUniqueUser: cfg.Session.TreatUserIdAndDeviceTypeAsUniqueUser,
		}),
		// The authentication boundary is an external collaborator. The
		// standalone binary accepts any credential so a cluster can be
		// exercised end to end without one.
		sc.WithAuthenticator(sc.AuthenticatorFunc(func(ctx context.Context, info *sc.UserLoginInfo) error {
			return nil
		})),
		sc.WithCloseObserver(func(session *sc.UserSession, reason sc.CloseReason) {
			log.Debugf("Session closed for user '%d' device '%s' with status '%d'", session.UserID, session.DeviceType, reason.Status)
		}),
	}

	if cfg.Rpc.RequestTimeoutMillis > 0 {
		ctrlOpts = append(ctrlOpts, sc.WithRequestTimeout(time.Duration(cfg.Rpc.RequestTimeoutMillis)*time.Millisecond))
	}

	controller, err := sc.NewSessionController(ctrlOpts...)
	if err != nil {
		log.Fatalf("Failed to initialize the session-controller: %v", err)
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	<-exit

	log.Info("Shutting Down..")

	if err := controller.Close(); err != nil {
		log.Errorf("Failed to gracefully close the session-controller: %v", err)
	}

	log.Info("Shutdown Complete. Goodbye 👋")
}
