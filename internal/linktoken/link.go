package linktoken

import (
	"fmt"
	"net/url"
)

// QueryParam is the query parameter that carries the token.
const QueryParam = "token"

// BuildPurchaseURL appends token to baseURL as the QueryParam parameter,
// keeping any query parameters already present. It does not validate token.
func BuildPurchaseURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("linktoken: invalid base url: %w", err)
	}
	q := u.Query()
	q.Set(QueryParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
