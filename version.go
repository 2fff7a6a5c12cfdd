package strand

// Version is the library release version, exported with every batch as
// the client.version process tag.
const Version = "1.0.0"

const clientVersion = "strand-go-" + Version
