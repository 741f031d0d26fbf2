// Package main: worker service.
//
// The worker shares its database with the watcher microservice: the watcher writes checkpoints and reads the
// watched accounts the worker's API registers, and the worker owns the anchor transaction records the watcher's
// events resolve.
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

	"github.com/averlon/anchorwatch/lib/config"
	"github.com/averlon/anchorwatch/lib/ledger/stellar"
	"github.com/averlon/anchorwatch/lib/msg"
	"github.com/averlon/anchorwatch/lib/msg/amqp"
	"github.com/averlon/anchorwatch/lib/msg/redis"
	"github.com/averlon/anchorwatch/lib/store"
	"github.com/averlon/anchorwatch/lib/store/db"
	"github.com/averlon/anchorwatch/worker"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	// load OS ENV overrides from a .env file when present
	_ = godotenv.Load()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log.Printf("Configuration:%+v", conf)

	// connect to database
	var dbConn store.DB

	if conf.DBConn != "" {
		if dbConn, err = db.New(conf.DBType, conf.DBConn); err != nil {
			panic(err)
		}

		log.Printf("Connecting to database:%+v\n", conf.DBConn)
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
	}

	// create worker service
	w, err := worker.New(conf.DBType, dbConn, mb, lc, conf)
	if err != nil {
		panic(err)
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		w.StopWorker()
		close(finish)
	}()

	// start the task pool
	if err := w.Run(); err != nil {
		log.Printf("Error setting up task pool:%e", err)
	}

	// manage watcher events
	if err := w.ManageEvents(); err != nil {
		log.Printf("Error setting up broker readers for events:%e", err)
	}

	// start the beat scheduler
	w.Beat()

	// init RESTful API, wait for its return and log response
	log.Printf("Worker: %s\n", w.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	<-finish
}
