package domain

// Row is one record of a report result set. Fields are whatever the
// reporting backend returned; values are the JSON decode of the column.
type Row map[string]any
