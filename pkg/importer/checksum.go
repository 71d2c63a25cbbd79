package importer

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/runtimeevents"
)

type completedItemPayload struct {
	Params struct {
		Item struct {
			Type string `json:"type"`
		} `json:"item"`
	} `json:"params"`
}

// ImportChecksum summarizes deltas as "chunks:messages:bytes" over chunks of
// chunkSize. messages counts item/completed deltas carrying a renderable item
// and bytes is the JSON size of every chunk. It returns the message count
// alongside so callers can check it against the build diagnostics.
func ImportChecksum(deltas []model.Delta, chunkSize int) (string, int, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var chunks, messages, size int
	for start := 0; start < len(deltas); start += chunkSize {
		chunk := deltas[start:min(start+chunkSize, len(deltas))]
		b, err := json.Marshal(chunk)
		if err != nil {
			return "", 0, errors.Wrap(err, "importer: encode chunk")
		}
		chunks++
		size += len(b)
		for _, d := range chunk {
			if d.Kind != runtimeevents.KindItemCompleted {
				continue
			}
			var p completedItemPayload
			if json.Unmarshal([]byte(d.PayloadJSON), &p) != nil {
				continue
			}
			if _, ok := renderableItemTypes[p.Params.Item.Type]; ok {
				messages++
			}
		}
	}
	return fmt.Sprintf("%d:%d:%d", chunks, messages, size), messages, nil
}
