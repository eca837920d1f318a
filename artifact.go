package chartmeta

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	reptext "github.com/radiochild/utils/text"
	"github.com/vmihailenco/msgpack/v5"
)

type OutputType int

const (
	OTText OutputType = iota
	OTJSON
	OTMessagePack
)

func ParseOutputType(s string) (OutputType, error) {
	switch strings.ToLower(s) {
	case "", "text", "txt":
		return OTText, nil
	case "json":
		return OTJSON, nil
	case "msgpack", "messagepack":
		return OTMessagePack, nil
	}
	return OTText, fmt.Errorf("unknown output type %q", s)
}

type ArtifactConfig struct {
	ChartConfig    *ChartConfig    `json:"chartConfig" msgpack:"chartConfig"`
	ChartGraphID   string          `json:"chartGraphId" msgpack:"chartGraphId"`
	ComputedFields []ComputedField `json:"computedFields" msgpack:"computedFields"`
	Aggregation    bool            `json:"aggregation" msgpack:"aggregation"`
}

// ChartArtifact is the persistable form of an edited chart.
type ChartArtifact struct {
	ID          string         `json:"id" msgpack:"id"`
	Name        string         `json:"name" msgpack:"name"`
	ViewID      string         `json:"viewId" msgpack:"viewId"`
	OrgID       string         `json:"orgId" msgpack:"orgId"`
	Config      ArtifactConfig `json:"config" msgpack:"config"`
	Status      int            `json:"status" msgpack:"status"`
	Description string         `json:"description" msgpack:"description"`
}

const StatusPublished = 1

// EncodeArtifact writes art to wx in the requested format.
func EncodeArtifact(wx io.Writer, art *ChartArtifact, outputType OutputType) error {
	switch outputType {
	case OTJSON:
		data, err := json.Marshal(art)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(wx, "%s\n", string(data))
		return err
	case OTMessagePack:
		data, err := msgpack.Marshal(art)
		if err != nil {
			return err
		}
		_, err = wx.Write(data)
		return err
	}

	// minwidth, tabwidth, padding, padChar
	tW := tabwriter.NewWriter(wx, 12, 8, 2, ' ', 0)
	fmt.Fprintf(tW, "Chart\t%s\t%q\n", art.ID, art.Name)
	fmt.Fprintf(tW, "Type\t%s\taggregation=%t\n", art.Config.ChartGraphID, art.Config.Aggregation)
	fmt.Fprintf(tW, "View\t%s\torg=%s\n", art.ViewID, art.OrgID)
	if art.Config.ChartConfig != nil {
		for _, ds := range art.Config.ChartConfig.Datas {
			fmt.Fprintf(tW, "%s-%s\t%s\t\n", "SEC", ds.Type, reptext.TabString(RowColNames(ds.Rows)))
		}
	}
	for _, cf := range art.Config.ComputedFields {
		fmt.Fprintf(tW, "CMP\t%s\t%s\n", cf.Name, cf.Expression)
	}
	return tW.Flush()
}

func DecodeArtifact(data []byte, outputType OutputType) (*ChartArtifact, error) {
	var art ChartArtifact
	switch outputType {
	case OTJSON:
		if err := json.Unmarshal(data, &art); err != nil {
			return nil, err
		}
	case OTMessagePack:
		if err := msgpack.Unmarshal(data, &art); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("text output cannot be decoded")
	}
	return &art, nil
}
