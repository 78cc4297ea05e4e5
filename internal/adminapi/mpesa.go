package adminapi

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/hotspotbill/internal/mpesa"
	"github.com/talkincode/hotspotbill/internal/settlement"
	"github.com/talkincode/hotspotbill/internal/webserver"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// registerMpesaRoutes registers the public payment webhooks. They always
// answer 200, the ResultCode tells the payment provider what happened.
func registerMpesaRoutes(s *webserver.Server) {
	s.HookPOST("/confirmation", mpesaConfirmation)
	s.HookPOST("/stk/callback", mpesaSTKCallback)
	s.HookPOST("/validation", mpesaValidation)
}

func mpesaConfirmation(c echo.Context) error {
	conf, ack := decodeWebhook(c, mpesa.SourceC2B)
	if conf == nil {
		return c.JSON(http.StatusOK, ack)
	}
	res, err := GetAppContext(c).Settlement().HandleConfirmation(c.Request().Context(), conf)
	return c.JSON(http.StatusOK, settlement.AckFor(res, err))
}

func mpesaSTKCallback(c echo.Context) error {
	conf, ack := decodeWebhook(c, mpesa.SourceSTK)
	if conf == nil {
		return c.JSON(http.StatusOK, ack)
	}
	res, err := GetAppContext(c).Settlement().HandleSTKCallback(c.Request().Context(), conf)
	return c.JSON(http.StatusOK, settlement.AckFor(res, err))
}

// mpesaValidation accepts every C2B payment before it is completed
func mpesaValidation(c echo.Context) error {
	return c.JSON(http.StatusOK, mpesa.Accepted(""))
}

// decodeWebhook returns the decoded confirmation, or nil and the ack to send.
// An undecodable body is kept as a payment event and acknowledged, the
// provider would only redeliver the same bytes.
func decodeWebhook(c echo.Context, source string) (*mpesa.Confirmation, mpesa.Ack) {
	engine := GetAppContext(c).Settlement()
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		zap.L().Warn("read webhook body failed", zap.String("namespace", "mpesa"), zap.Error(err))
		res := engine.RecordInvalidPayload(c.Request().Context(), source, body, "unreadable payload: "+err.Error())
		return nil, res.Ack()
	}
	conf, err := GetAppContext(c).Decoder().Decode(body)
	if err != nil {
		zap.L().Warn("webhook payload not decodable",
			zap.String("namespace", "mpesa"),
			zap.String("uri", c.Request().RequestURI),
			zap.Error(err))
		res := engine.RecordInvalidPayload(c.Request().Context(), source, body, err.Error())
		return nil, res.Ack()
	}
	return conf, mpesa.Ack{}
}
