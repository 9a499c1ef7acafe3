package dispatcher

import (
	"encoding/json"
	"net/url"
)

// remarshal round-trips v through JSON into dst; used for the JSON-decoded
// structured arguments family (reply-markup, input-media, ...). v typically
// came from decoding a JSON request body into map[string]any already, so
// this just re-specializes it into a concrete Go type.
func remarshal(v any, dst any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, dst)
}

func urlDecode(s string) (string, error) {
	return url.QueryUnescape(s)
}
