package pipeline

import (
	"math"
	"strings"

	"github.com/google/uuid"

	"docuralis/apps/migrator/internal/destination"
	"docuralis/apps/migrator/internal/source"
)

type group struct {
	filename string
	records  []source.Record
}

// groupByFilename partitions records by filename. Groups come back in order
// of first appearance and keep fetch order inside each group. Records with
// no filename are counted in missing and dropped.
func groupByFilename(records []source.Record) (groups []group, missing int) {
	index := make(map[string]int)
	for _, r := range records {
		if r.Filename == "" {
			missing++
			continue
		}
		i, ok := index[r.Filename]
		if !ok {
			i = len(groups)
			index[r.Filename] = i
			groups = append(groups, group{filename: r.Filename})
		}
		groups[i].records = append(groups[i].records, r)
	}
	return groups, missing
}

// EstimateTokens approximates the token count as 1.3 tokens per word.
func EstimateTokens(content string) int {
	words := len(strings.Fields(content))
	return int(math.Round(float64(words) * 1.3))
}

// NewChunkID returns a fresh chunk identifier in the destination's format.
func NewChunkID() string {
	return "chunk_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func buildRows(parent destination.ParentRef, records []source.Record, newID func() string) []destination.ChildRow {
	rows := make([]destination.ChildRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, destination.ChildRow{
			ID:         newID(),
			DocumentID: parent.ID,
			ChunkIndex: r.ChunkIndex,
			Content:    r.Content,
			StartPage:  r.PageNumber,
			EndPage:    r.PageNumber,
			VectorID:   r.ID,
			TokenCount: EstimateTokens(r.Content),
		})
	}
	return rows
}
