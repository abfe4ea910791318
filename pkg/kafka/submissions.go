package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	reqctx "github.com/Ramsey-B/sorrel/pkg/context"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
	"github.com/Ramsey-B/sorrel/pkg/utils"
)

// Identifier is the slice of the reconcile engine a submission needs
type Identifier interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
}

// IdentifyHandler decodes each message value as an identify request body
func IdentifyHandler(identifier Identifier) MessageHandler {
	return func(ctx context.Context, msg *IncomingMessage) error {
		ctx = reqctx.SetChannel(ctx, reqctx.ChannelKafka)

		var req models.IdentifyRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			return fmt.Errorf("%w: %w", sentinel.ErrBadRequest, err)
		}

		if _, err := utils.Validate(req); err != nil {
			return err
		}

		_, err := identifier.Identify(ctx, req)
		return err
	}
}
