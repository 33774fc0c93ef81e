package protocol

// ProtocolVersion is the wire-protocol revision this build speaks. Bumped
// whenever a method or event payload shape changes incompatibly.
const ProtocolVersion = 1
