package index

import (
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/reqsmith/reqsmith/engine/domain"
)

// Reserved payload keys for the fixed metadata record. Extra entries with a
// reserved key are shadowed by the fixed field on write.
const (
	keyText       = "text"
	keySource     = "source"
	keyKind       = "kind"
	keyTitle      = "title"
	keyURL        = "url"
	keyChunkIndex = "chunk_index"
	keyChunkTotal = "chunk_total"
	keyIngestedAt = "ingested_at"
)

// chunkPayload flattens a chunk into a Qdrant payload. Extra values are
// coerced to scalars; fixed fields are written last so they win on key clash.
func chunkPayload(c domain.Chunk) map[string]*pb.Value {
	md := c.Metadata
	payload := make(map[string]*pb.Value, 8+len(md.Extra))
	for k, v := range md.Extra {
		payload[k] = coerceValue(v)
	}
	payload[keyText] = stringValue(c.Text)
	payload[keySource] = stringValue(md.Source)
	payload[keyKind] = stringValue(string(md.Kind))
	payload[keyChunkIndex] = intValue(int64(md.ChunkIndex))
	payload[keyChunkTotal] = intValue(int64(md.ChunkTotal))
	if md.Title != "" {
		payload[keyTitle] = stringValue(md.Title)
	}
	if md.URL != "" {
		payload[keyURL] = stringValue(md.URL)
	}
	if !md.IngestedAt.IsZero() {
		payload[keyIngestedAt] = stringValue(md.IngestedAt.UTC().Format(time.RFC3339))
	}
	return payload
}

// decodePayload rebuilds chunk text and metadata from a stored payload.
// Unrecognised keys land in Extra. Malformed timestamps decode to the zero
// time rather than failing the read.
func decodePayload(payload map[string]*pb.Value) (string, domain.Metadata) {
	var text string
	var md domain.Metadata
	for k, v := range payload {
		switch k {
		case keyText:
			text = v.GetStringValue()
		case keySource:
			md.Source = v.GetStringValue()
		case keyKind:
			md.Kind = domain.SourceKind(v.GetStringValue())
		case keyTitle:
			md.Title = v.GetStringValue()
		case keyURL:
			md.URL = v.GetStringValue()
		case keyChunkIndex:
			md.ChunkIndex = int(v.GetIntegerValue())
		case keyChunkTotal:
			md.ChunkTotal = int(v.GetIntegerValue())
		case keyIngestedAt:
			if t, err := time.Parse(time.RFC3339, v.GetStringValue()); err == nil {
				md.IngestedAt = t
			}
		default:
			if md.Extra == nil {
				md.Extra = make(map[string]any)
			}
			md.Extra[k] = nativeValue(v)
		}
	}
	return text, md
}

// coerceValue maps a Go value onto a scalar Qdrant value. Scalars map
// directly; anything else is serialized to its string form rather than
// rejected, so no metadata is ever lost.
func coerceValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return stringValue(tv)
	case int:
		return intValue(int64(tv))
	case int32:
		return intValue(int64(tv))
	case int64:
		return intValue(tv)
	case float32:
		return doubleValue(float64(tv))
	case float64:
		return doubleValue(tv)
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return stringValue(fmt.Sprint(tv))
	}
}

// nativeValue maps a stored scalar back to its Go form.
func nativeValue(v *pb.Value) any {
	switch kv := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return kv.StringValue
	case *pb.Value_IntegerValue:
		return kv.IntegerValue
	case *pb.Value_DoubleValue:
		return kv.DoubleValue
	case *pb.Value_BoolValue:
		return kv.BoolValue
	default:
		return fmt.Sprint(v)
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

func doubleValue(f float64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: f}}
}
