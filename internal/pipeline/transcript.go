package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chatmap-cli/internal/model"
)

// LoadTranscript reads parsed chat messages, either as one JSON array or as
// JSON lines. Messages are returned sorted by id; ids must be unique.
func LoadTranscript(r io.Reader) ([]model.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read transcript")
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var msgs []model.Message
	if data[0] == '[' {
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, eris.Wrap(err, "pipeline: decode transcript")
		}
	} else {
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			b := bytes.TrimSpace(sc.Bytes())
			if len(b) == 0 {
				continue
			}
			var m model.Message
			if err := json.Unmarshal(b, &m); err != nil {
				return nil, eris.Wrapf(err, "pipeline: decode transcript line %d", line)
			}
			msgs = append(msgs, m)
		}
		if err := sc.Err(); err != nil {
			return nil, eris.Wrap(err, "pipeline: scan transcript")
		}
	}

	slices.SortStableFunc(msgs, func(a, b model.Message) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID == msgs[i-1].ID {
			return nil, eris.Errorf("pipeline: duplicate message id %d", msgs[i].ID)
		}
	}
	return msgs, nil
}
