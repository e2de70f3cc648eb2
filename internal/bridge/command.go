package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/microlink/mcs/internal/mqttx"
	"github.com/microlink/mcs/internal/schema"
)

// Command kinds the orchestrator accepts from the cloud.
const (
	cmdConfigReload   = "config_reload"
	cmdAdapterRestart = "adapter_restart"
	cmdBufferFlush    = "buffer_flush"
	cmdDiagnostics    = "diagnostics_request"
)

// handleCommand services one cloud command and posts the response on the
// command/response topic. config_reload and adapter_restart are relayed to
// the local broker for the adapter processes; buffer_flush and diagnostics
// are answered here.
func (b *Bridge) handleCommand(ctx context.Context, msg mqttx.Message) {
	kind, ok := schema.IsCommandTopic(msg.Topic)
	if !ok || kind == schema.CommandResponseLeaf {
		return
	}

	var cmd schema.CommandPayload
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		b.logger.Warn("malformed command payload", "topic", msg.Topic, "error", err)
		b.met.CommandsTotal.WithLabelValues(kind, string(schema.CommandError)).Inc()
		b.respond(ctx, schema.CommandResponse{Status: schema.CommandError, Reason: "malformed payload"})
		return
	}

	resp := schema.CommandResponse{RequestID: cmd.RequestID}
	switch kind {
	case cmdConfigReload, cmdAdapterRestart:
		if err := b.relayToLocal(ctx, kind, msg.Payload); err != nil {
			resp.Status = schema.CommandError
			resp.Reason = "local relay failed: " + err.Error()
		} else {
			resp.Status = schema.CommandAccepted
			resp.Result = map[string]interface{}{"relayed": true}
		}

	case cmdBufferFlush:
		select {
		case b.replayNow <- struct{}{}:
		default:
		}
		resp.Status = schema.CommandAccepted
		resp.Result = map[string]interface{}{"buffer_depth": b.buf.Depth()}

	case cmdDiagnostics:
		resp.Status = schema.CommandAccepted
		resp.Result = map[string]interface{}{
			"edge_id":         b.cfg.EdgeID,
			"uptime_s":        int64(b.now().Sub(b.started).Seconds()),
			"buffer_depth":    b.buf.Depth(),
			"cloud_connected": b.isCloudUp(),
			"replay_active":   b.isReplaying(),
		}

	default:
		if !b.downstream[kind] {
			resp.Status = schema.CommandRejected
			resp.Reason = "unknown command kind " + kind
			break
		}
		if err := b.relayToLocal(ctx, kind, msg.Payload); err != nil {
			resp.Status = schema.CommandError
			resp.Reason = "local relay failed: " + err.Error()
		} else {
			resp.Status = schema.CommandAccepted
			resp.Reason = "accepted for forwarding"
			resp.Result = map[string]interface{}{"forwarded": true}
		}
	}

	b.met.CommandsTotal.WithLabelValues(kind, string(resp.Status)).Inc()
	b.respond(ctx, resp)
}

// relayToLocal republishes the command on the local broker under the same
// kind so adapter processes can act on it.
func (b *Bridge) relayToLocal(ctx context.Context, kind string, payload []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.PublishTimeoutMs)*time.Millisecond)
	defer cancel()
	return b.local.Publish(pubCtx, mqttx.Message{
		Topic:   schema.CommandTopic(b.cfg.Site, b.cfg.Block, kind),
		Payload: payload,
		QoS:     1,
	})
}

func (b *Bridge) respond(ctx context.Context, resp schema.CommandResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.PublishTimeoutMs)*time.Millisecond)
	defer cancel()
	err = b.cloud.Publish(pubCtx, mqttx.Message{
		Topic:   schema.CommandResponseTopic(b.cfg.Site, b.cfg.Block),
		Payload: body,
		QoS:     1,
	})
	if err != nil {
		b.logger.Warn("command response publish failed", "error", err)
	}
}
