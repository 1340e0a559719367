package headstream

// Contains the client updater, which publishes JSON-encoded messages giving the
// latest headstream state on the status port.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// clientMessageChan feeds RunClientUpdater. Producers never block on it.
var clientMessageChan = make(chan ClientUpdate, 256)

// republishPeriod is how often the most recent message of each tag is sent again,
// so that late subscribers learn the current state.
const republishPeriod = 2 * time.Second

// publishUpdate queues an update for status subscribers. If the queue is full (or
// no updater is running), the update is dropped.
func publishUpdate(tag string, state interface{}) {
	select {
	case clientMessageChan <- ClientUpdate{tag: tag, state: state}:
	default:
	}
}

// nolog lists the tags too frequent to be worth writing to UpdateLogger.
var nolog = map[string]bool{"CHANSTATS": true}

// RunClientUpdater forwards any message from the update queue to a ZMQ PUB socket
// as a 2-frame message: the tag, then the JSON-encoded state. It returns when abort
// is closed.
func RunClientUpdater(statusport int, abort <-chan struct{}) error {
	hostname := fmt.Sprintf("tcp://*:%d", statusport)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetLinger(0)
	if err = pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind client updater to %s: %w", hostname, err)
	}

	lastMessages := make(map[string][]byte)
	ticker := time.NewTicker(republishPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-abort:
			return nil

		case update := <-clientMessageChan:
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("Could not encode %s update: %v\n", update.tag, err)
				continue
			}
			lastMessages[update.tag] = message
			if !nolog[update.tag] {
				UpdateLogger.Printf("SEND %v %v\n", update.tag, string(message))
			}
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("Could not publish %s update: %v\n", update.tag, err)
			}

		case <-ticker.C:
			for tag, message := range lastMessages {
				pubSocket.SendMessage(tag, message)
			}
		}
	}
}
