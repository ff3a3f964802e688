// Package busrpc makes DBus method calls using dynamically typed
// values.
//
// Method arguments and replies are represented as trees of [Value],
// a closed set of types that mirror the DBus type system. [Encode]
// and [Decode] convert between Values and the DBus wire format, and
// [FromDynamic] and [Assign] convert between Values and ordinary Go
// values.
//
// Go values are narrowed to DBus types according to their Go type,
// not their magnitude:
//
//	uint8                 y (Byte)
//	bool                  b (Bool)
//	int16, int32          i (Int32)
//	int64                 x (Int64)
//	uint16, uint32,
//	uint64                t (Uint64)
//	float32, float64      d (Double)
//	string                s (String)
//	*os.File, FileSource  h (UnixHandle)
//	slice, array          a (Array)
//	map                   a{..} (Dictionary)
//	struct                (..) (Structure)
//
// Decoding is lossy: wire types that have no Value representation,
// such as variants, are skipped.
//
// A [Session] owns one bus connection, which it shares between many
// concurrent calls. [Session.Go] starts a call and returns a
// [Future] for its reply, and [Session.Call] waits for the reply. An
// [Adapter] binds a Session to one interface of one object, and
// converts arguments and replies to and from Go structs.
package busrpc
