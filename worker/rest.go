package worker

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 15

// Init sets up and starts the http/https server to service the RESTful API for a worker service. If sslPort, sslCert
// and sslKey are informed, it will start an https (TLS) server on the specified endpoint.
func (w *Worker) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	// API definition
	r := mux.NewRouter()
	r.HandleFunc("/", w.homeHandler)
	r.HandleFunc("/health", w.healthHandler).Methods("GET")             // liveness and dependency status
	r.HandleFunc("/deposit", w.depositHandler).Methods("POST")          // start a deposit
	r.HandleFunc("/withdraw", w.withdrawHandler).Methods("POST")        // start a withdrawal
	r.HandleFunc("/transactions", w.transactionsHandler).Methods("GET") // list anchor transactions
	r.HandleFunc("/transaction", w.transactionHandler).Methods("GET")   // get one transaction by id
	r.HandleFunc("/watch/{account}", w.watchHandler)                    // watch or unwatch a ledger account
	r.HandleFunc("/watch", w.getWatchesHandler).Methods("GET")          // get watched accounts
	r.HandleFunc("/deadletters", w.deadLettersHandler).Methods("GET")   // list dead-lettered tasks
	http.Handle("/", r)

	// setup shutdown channel
	w.sc = make(chan struct{})

	// start http server
	if port != "" {
		w.s = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + port,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = w.s.ListenAndServe()
		}()

		log.Printf("Listening to API http requests on %s:%s", endpoint, port)
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		w.ss = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + sslPort,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errTLS = w.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		log.Printf("Listening to API https requests on %s:%s", endpoint, sslPort)
	}
	// wait for servers to be shutdown
	<-w.sc

	return fmt.Sprintf("shutdown http server:%e, https server:%e", err, errTLS)
}
