package cloud

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	senML "github.com/farshidtz/senml/v2"
	senMLCodec "github.com/farshidtz/senml/v2/codec"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"

	"device-client-coap/lwm2m"
	"device-client-coap/registry"
)

// EncodeSenML packs resource snapshots into CBOR SenML. Records are grouped
// by object instance using base names and share one base time in
// milliseconds.
func EncodeSenML(changes []registry.Snapshot, at time.Time) ([]byte, error) {
	if len(changes) == 0 {
		return nil, errors.New("empty pack")
	}
	sorted := append([]registry.Snapshot(nil), changes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path.Less(sorted[j].Path) })

	pack := make(senML.Pack, 0, len(sorted))
	var base string
	for i, s := range sorted {
		rec := senML.Record{Name: strconv.Itoa(int(s.Path.Resource))}
		if b := fmt.Sprintf("%d/%d/", s.Path.Object, s.Path.Instance); b != base {
			base = b
			rec.BaseName = b
		}
		if i == 0 {
			rec.BaseTime = float64(at.UnixMilli())
		}
		if err := setRecordValue(&rec, s); err != nil {
			return nil, err
		}
		pack = append(pack, rec)
	}
	if err := pack.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pack: %w", err)
	}
	return senMLCodec.EncodeCBOR(pack)
}

func setRecordValue(rec *senML.Record, s registry.Snapshot) error {
	switch s.Mode.Type {
	case lwm2m.Integer, lwm2m.Float:
		v, err := strconv.ParseFloat(s.Value, 64)
		if err != nil {
			return fmt.Errorf("%s: value %q is not numeric", s.Path, s.Value)
		}
		rec.Value = &v
	case lwm2m.Opaque:
		rec.StringValue = hex.EncodeToString([]byte(s.Value))
	default:
		rec.StringValue = s.Value
	}
	return nil
}

// Notify publishes changed observable resources. It implements
// registry.Notifier.
func (c *Client) Notify(ctx context.Context, changes []registry.Snapshot) lwm2m.DeliveryStatus {
	conn := c.connection()
	if conn == nil {
		return lwm2m.StatusUnsubscribed
	}
	data, err := EncodeSenML(changes, c.now())
	if err != nil {
		c.logger.Error("failed to encode notification", slog.Any("error", err))
		return lwm2m.StatusBuildError
	}
	c.logger.Debug("publish", slog.String("path", pathRaw), slog.String("cbor", hex.EncodeToString(data)))

	_, err = c.request(ctx, "POST", pathRaw, codes.Created, func(ctx context.Context) (*pool.Message, error) {
		return conn.Post(ctx, pathRaw, message.AppCBOR, bytes.NewReader(data))
	})
	if err != nil {
		c.logger.Warn("publish failed", slog.Any("error", err))
		return lwm2m.StatusSendFailed
	}
	return lwm2m.StatusDelivered
}
