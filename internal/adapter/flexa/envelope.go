package flexa

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/flexa/flexa-android-sub000/internal/domain"
)

// regionNotSupportedCode is the error code the platform returns when the
// user's region cannot spend.
const regionNotSupportedCode = "region_not_supported"

// parseErrorEnvelope extracts {error:{code,message}}. A malformed envelope
// yields the generic code.
func parseErrorEnvelope(body []byte) (code, message string) {
	if !gjson.ValidBytes(body) {
		return domain.GenericErrorCode, "malformed error response"
	}
	env := gjson.GetBytes(body, "error")
	if !env.IsObject() {
		return domain.GenericErrorCode, "malformed error response"
	}
	code = env.Get("code").String()
	if code == "" {
		code = domain.GenericErrorCode
	}
	message = env.Get("message").String()
	if message == "" {
		message = "request failed"
	}
	return code, message
}

func regionNotSupported(body []byte) bool {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return false
	}
	return gjson.GetBytes(body, "error.code").String() == regionNotSupportedCode
}

// decode unmarshals a 2xx body; failure is a ProtocolError.
func decode[T any](op string, resp *Response) (T, error) {
	var out T
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, domain.NewProtocolError(op, resp.Status, "", fmt.Sprintf("decode response: %v", err))
	}
	return out, nil
}
