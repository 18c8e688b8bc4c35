// Command enginesim is a stand-in game engine for local development. It
// connects to the broker's engine channel, heartbeats, and acknowledges
// dispatched jobs with signed status reports after a configurable delay.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"engine-broker/internal/security"
)

type event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type jobReport struct {
	JobID    string         `json:"job_id"`
	Error    string         `json:"error,omitempty"`
	Progress map[string]any `json:"progress,omitempty"`
}

type dispatchedJob struct {
	ID   string `json:"jobId"`
	Type string `json:"jobType"`
}

func main() {
	var (
		brokerURL = flag.String("broker", "ws://localhost:8080/ws/engine", "engine channel URL")
		token     = flag.String("token", os.Getenv("ENGINE_TOKEN"), "engine auth token")
		secret    = flag.String("secret", os.Getenv("ENGINE_SECRET"), "report signing secret")
		engineID  = flag.String("engine-id", "enginesim-"+uuid.New().String()[:8], "engine identifier")
		delay     = flag.Duration("delay", 500*time.Millisecond, "simulated time per job")
		failRate  = flag.Float64("fail-rate", 0, "fraction of jobs to fail (0..1)")
		heartbeat = flag.Duration("heartbeat", 3*time.Second, "heartbeat interval")
	)
	flag.Parse()

	u, err := url.Parse(*brokerURL)
	if err != nil {
		log.Fatalf("broker url: %v", err)
	}
	q := u.Query()
	q.Set("token", *token)
	q.Set("engineId", *engineID)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial %s: %v", u.String(), err)
	}
	defer ws.Close()
	log.Printf("[SIM] connected as %s", *engineID)

	send := make(chan []byte, 256)
	go func() {
		for b := range send {
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Printf("[SIM] write: %v", err)
				return
			}
		}
	}()

	report := func(typ, jobID, errDetail string, progress map[string]any) {
		payload, _ := json.Marshal(jobReport{JobID: jobID, Error: errDetail, Progress: progress})
		ts := time.Now().UnixMilli()
		nonce := uuid.New().String()
		env := security.Envelope{
			Type:    typ,
			Payload: payload,
			Ts:      ts,
			Nonce:   nonce,
			Sig:     security.Sign([]byte(*secret), typ, payload, ts, nonce),
		}
		b, _ := json.Marshal(message{Event: "engine_status", Data: env})
		send <- b
	}

	go func() {
		t := time.NewTicker(*heartbeat)
		defer t.Stop()
		for range t.C {
			b, _ := json.Marshal(message{Event: "engine_heartbeat", Data: nil})
			send <- b
		}
	}()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			log.Printf("[SIM] connection closed: %v", err)
			return
		}
		var ev event
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Event != "engine_job" {
			continue
		}
		var job dispatchedJob
		if err := json.Unmarshal(ev.Payload, &job); err != nil || job.ID == "" {
			log.Printf("[SIM] malformed job payload")
			continue
		}
		log.Printf("[SIM] received %s job %s", job.Type, job.ID)

		go func(job dispatchedJob) {
			report("job_started", job.ID, "", nil)
			time.Sleep(*delay / 2)
			report("job_progress", job.ID, "", map[string]any{"percent": 50})
			time.Sleep(*delay / 2)
			if rand.Float64() < *failRate {
				report("job_failed", job.ID, "simulated engine failure", nil)
				log.Printf("[SIM] failed job %s", job.ID)
				return
			}
			report("job_completed", job.ID, "", nil)
			log.Printf("[SIM] completed job %s", job.ID)
		}(job)
	}
}
