// Package defaults embeds the package-bundled provider configuration that
// ships inside the tokentap binary.
package defaults

import _ "embed"

//go:embed providers.json
var ProvidersJSON []byte
