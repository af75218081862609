// Command report-receiver is a local endpoint for testing webhook
// actions: it verifies the HMAC signature and pretty-prints each
// delivery.
//
// Usage:
//
//	go run . -addr :9090 -secret my-secret
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
)

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	secret := flag.String("secret", "", "shared HMAC secret; empty skips verification")
	fail := flag.Bool("fail", false, "respond 500 to every delivery, for retry testing")
	flag.Parse()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		eventID := r.Header.Get("X-ReportEngine-Event-ID")
		ruleID := r.Header.Get("X-ReportEngine-Rule-ID")
		signature := r.Header.Get("X-ReportEngine-Signature")

		if *secret != "" {
			mac := hmac.New(sha256.New, []byte(*secret))
			mac.Write(body)
			expected := hex.EncodeToString(mac.Sum(nil))
			if !hmac.Equal([]byte(expected), []byte(signature)) {
				log.Printf("REJECTED event=%s rule=%s: bad signature", eventID, ruleID)
				http.Error(w, "bad signature", http.StatusUnauthorized)
				return
			}
		}

		var pretty map[string]any
		if err := json.Unmarshal(body, &pretty); err != nil {
			log.Printf("event=%s rule=%s (unparsable body): %s", eventID, ruleID, body)
		} else {
			formatted, _ := json.MarshalIndent(pretty, "", "  ")
			log.Printf("event=%s rule=%s\n%s", eventID, ruleID, formatted)
		}

		if *fail {
			http.Error(w, "simulated failure", http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	log.Printf("report-receiver listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
