// Package googleads provides a source adapter for the Google Ads REST API.
package googleads

// searchRequest is the body of a googleAds:search call.
type searchRequest struct {
	// PageToken continues a previous search.
	PageToken string `json:"pageToken,omitempty"`

	// Query is the GAQL statement.
	Query string `json:"query"`
}

// searchResponse is one page of googleAds:search results.
type searchResponse struct {
	// FieldMask lists the selected fields, comma separated.
	FieldMask string `json:"fieldMask"`

	// NextPageToken continues the search. Empty on the last page.
	NextPageToken string `json:"nextPageToken"`

	// Results holds one nested object per row, keyed by resource.
	Results []map[string]any `json:"results"`
}

// errorResponse is the error envelope returned by Google APIs.
type errorResponse struct {
	Error struct {
		// Code is the HTTP status code.
		Code int `json:"code"`

		// Message is a developer-facing description.
		Message string `json:"message"`

		// Status is the canonical status name, e.g. RESOURCE_EXHAUSTED.
		Status string `json:"status"`
	} `json:"error"`
}
