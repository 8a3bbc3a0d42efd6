// Package trackers holds the specialized frame analyzers. Each tracker
// reads the observations it understands from a frames.Frame, runs them
// through a hits/misses lifecycle keyed by the sensor's own identifiers,
// and writes the derived anchors back to the registry as one batch per
// frame.
//
// Observations become anchors once confirmed (HitsToConfirm consecutive
// sightings). A confirmed anchor is removed after MaxMisses consecutive
// frames without a sighting; a tentative one is forgotten on its first
// miss without ever being published.
package trackers
