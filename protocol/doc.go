/*
Package protocol defines the framing used on an exec WebSocket connection.

Every WebSocket binary message carries exactly one protocol message: the first byte is the opcode and the
remaining bytes are the payload. The WebSocket layer delivers message boundaries, so there is no length prefix.

Data flows as stdin (client->server) and stdout/stderr (server->client). Pause and resume are flow-control
requests that may be sent by either side and always mean "stop/start sending data to me". The server ends
every session with exactly one of stopped (payload is the exit code byte), shutdown (no exit status known),
or error (payload is a human-readable reason), and then closes the connection.
*/
package protocol
