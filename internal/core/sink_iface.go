package core

// MediaSink is the playback surface a session renders into.
type MediaSink interface {
	// Bind returns a fresh stream for one generation. Playback errors on that
	// stream are reported through onError.
	Bind(onError func(error)) SinkStream
}

// SinkStream is the per-generation backing stream of a MediaSink.
type SinkStream interface {
	AddTrack(Track) error
	// Stop stops every track added to the stream and detaches it.
	Stop()
}
