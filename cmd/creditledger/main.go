// Command creditledger serves the credit ledger API and its refresh scheduler.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/altarplan/creditledger/internal/app"
	"github.com/altarplan/creditledger/internal/config"
	"github.com/altarplan/creditledger/internal/security"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to $CREDITLEDGER_CONFIG or ./config.yaml)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] [serve|migrate|hash-secret [bcrypt]|set KEY VALUE]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	mode := "serve"
	if flag.NArg() > 0 {
		mode = flag.Arg(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg := config.AppConfig{ConfigPath: *configPath}
	var err error
	switch mode {
	case "serve":
		err = app.RunServer(ctx, appCfg)
	case "migrate":
		err = app.Migrate(ctx, appCfg)
		if err == nil {
			log.Info("migrations applied")
		}
	case "hash-secret":
		err = hashSecret(flag.Arg(1) == "bcrypt")
	case "set":
		if flag.NArg() != 3 {
			flag.Usage()
			os.Exit(2)
		}
		err = app.SaveSetting(ctx, appCfg, flag.Arg(1), flag.Arg(2))
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Fatalf("creditledger %s failed", mode)
	}
}

// hashSecret reads a scheduler secret from stdin and prints the value for
// auth.scheduler_secret_hash: a sha256 digest, or a bcrypt hash on request.
func hashSecret(useBcrypt bool) error {
	line, errRead := bufio.NewReader(os.Stdin).ReadString('\n')
	if errRead != nil && line == "" {
		return fmt.Errorf("read secret: %w", errRead)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return fmt.Errorf("empty secret")
	}
	if !useBcrypt {
		fmt.Println(security.DigestSecret(secret))
		return nil
	}
	hash, errHash := security.HashSecret(secret)
	if errHash != nil {
		return errHash
	}
	fmt.Println(hash)
	return nil
}
