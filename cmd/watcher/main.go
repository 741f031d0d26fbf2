// package main: watcher service
//
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stellar/go/keypair"

	"github.com/averlon/anchorwatch/lib/config"
	"github.com/averlon/anchorwatch/lib/ledger/stellar"
	"github.com/averlon/anchorwatch/lib/msg"
	"github.com/averlon/anchorwatch/lib/msg/amqp"
	"github.com/averlon/anchorwatch/lib/msg/redis"
	"github.com/averlon/anchorwatch/lib/store"
	"github.com/averlon/anchorwatch/lib/store/db"
	"github.com/averlon/anchorwatch/watcher"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	// load OS ENV overrides from a .env file when present
	_ = godotenv.Load()

	//extract configuration
	var err error
	var conf config.ServiceConfig
	if conf, err = config.ExtractConfiguration(*confPath); err != nil {
		panic(err)
	}
	log.Printf("Configuration:%+v", conf)

	// connect to database
	var dbConn store.DB
	if conf.DBConn != "" {
		log.Printf("Connecting to database:%+v\n", conf.DBConn)
		if dbConn, err = db.New(conf.DBType, conf.DBConn); err != nil {
			panic(err)
		}
	}

	// load ledger client
	lc := stellar.New("stellar", conf.Horizon.URL, conf.Horizon.Passphrase)
	log.Print("Ledger client loaded")

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Println("Serving metrics API")
			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(":9100", h)
		}()
	}

	// load message broker
	var mb msg.MsgBroker
	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect
			if mb, err = amqp.New(conf.MbConn); err != nil {
				panic(err)
			}
		}
	case "redis":
		if mb, err = redis.New(conf.MbConn); err != nil {
			panic(err)
		}
	default:
		log.Printf("Unknown message broker type: %s\n", conf.MbType)
	}

	if mb != nil {
		if err = mb.Setup(nil); err != nil {
			panic(err)
		}
		defer func() {
			err := mb.Close()
			log.Printf("Closing messageBroker: %e", err)
		}()
	}

	// make sure the distribution account of each anchored asset is watched for incoming withdrawal payments
	for _, a := range conf.Assets {
		if a.DistributionSeed == "" {
			continue
		}

		kp, errKp := keypair.ParseFull(a.DistributionSeed)
		if errKp != nil {
			panic(errKp)
		}

		if _, err = dbConn.AddWatch(store.WatchedAccount{Account: kp.Address(), Asset: a.Code}); err != nil {
			panic(err)
		}
	}

	// create watcher service
	w := watcher.New(conf.DBType, dbConn, mb, lc, conf)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		w.StopWatcher()
	}()

	// launch watcher (for each watched account) and wait for completion
	log.Printf("Watch: %s\n", <-w.Watch())
}
