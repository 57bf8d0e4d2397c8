package workload

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// shareGPTTurn is one chat turn of a pre-tokenized ShareGPT dump.
type shareGPTTurn struct {
	From  string `json:"from"`
	Value []int  `json:"value"`
}

type shareGPTEntry struct {
	ID            string         `json:"id"`
	Conversations []shareGPTTurn `json:"conversations"`
}

// FromShareGPT builds a workload from a tokenized ShareGPT dump. Each
// conversation contributes up to maxPairs human→gpt pairs (0 means all), as
// (prompt tokens, response tokens). Pairs with an empty side are skipped.
func FromShareGPT(r io.Reader, maxPairs int) (Workload, error) {
	var entries []shareGPTEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("parse ShareGPT dump: %w", err)
	}
	var w Workload
	skipped := 0
	for _, e := range entries {
		pairs := 0
		for i := 0; i+1 < len(e.Conversations); i++ {
			if maxPairs > 0 && pairs == maxPairs {
				break
			}
			human, gpt := e.Conversations[i], e.Conversations[i+1]
			if human.From != "human" || gpt.From != "gpt" {
				continue
			}
			i++
			if len(human.Value) == 0 || len(gpt.Value) == 0 {
				skipped++
				continue
			}
			w = append(w, Item{InputLen: len(human.Value), OutputLen: len(gpt.Value)})
			pairs++
		}
	}
	logrus.Infof("ShareGPT: %d conversations, %d requests, %d empty pairs skipped", len(entries), len(w), skipped)
	if len(w) == 0 {
		return nil, fmt.Errorf("ShareGPT dump has no human/gpt pairs")
	}
	return w, nil
}
