// Package netaddr turns the sockaddr structures and descriptors the shim
// observes in accept/connect into the (ip, port) pairs recorded on
// Connection Spans. It never guesses at a protocol above TCP; every value
// comes straight from getnameinfo/getpeername on the exact bytes the
// intercepted call produced or consumed.
package netaddr

/*
#include <sys/socket.h>
#include <netdb.h>
#include <string.h>

static int shim_addr_to_ip_port(const struct sockaddr *sa, socklen_t salen,
                                 char *host, size_t hostlen, char *serv, size_t servlen) {
	if (sa == NULL || salen == 0) {
		return -1;
	}
	return getnameinfo(sa, salen, host, hostlen, serv, servlen, NI_NUMERICHOST | NI_NUMERICSERV);
}

static int shim_peer_from_fd(int fd, char *host, size_t hostlen, char *serv, size_t servlen) {
	struct sockaddr_storage ss;
	socklen_t len = sizeof(ss);
	memset(&ss, 0, sizeof(ss));
	if (getpeername(fd, (struct sockaddr *)&ss, &len) != 0) {
		return -1;
	}
	return getnameinfo((struct sockaddr *)&ss, len, host, hostlen, serv, servlen, NI_NUMERICHOST | NI_NUMERICSERV);
}
*/
import "C"

import (
	"strconv"
	"unsafe"
)

// hostBufLen/servBufLen mirror NI_MAXHOST/NI_MAXSERV; sized generously so a
// single stack buffer always fits without consulting the system headers'
// exact constants from Go.
const (
	hostBufLen = 1025
	servBufLen = 32
)

// FromSockaddr converts a C struct sockaddr (as captured by accept or
// passed into connect) into an (ip, port) pair. It reports ("", 0) if sa is
// nil or the conversion fails.
func FromSockaddr(sa unsafe.Pointer, salen C.socklen_t) (ip string, port int) {
	var host [hostBufLen]C.char
	var serv [servBufLen]C.char

	rc := C.shim_addr_to_ip_port((*C.struct_sockaddr)(sa), salen,
		&host[0], C.size_t(len(host)), &serv[0], C.size_t(len(serv)))
	if rc != 0 {
		return "", 0
	}
	return parseHostServ(&host[0], &serv[0])
}

// FromFD looks up the peer of an already-connected descriptor via
// getpeername, for the case where accept's out-parameters were not
// supplied by the caller.
func FromFD(fd int) (ip string, port int) {
	var host [hostBufLen]C.char
	var serv [servBufLen]C.char

	rc := C.shim_peer_from_fd(C.int(fd), &host[0], C.size_t(len(host)), &serv[0], C.size_t(len(serv)))
	if rc != 0 {
		return "", 0
	}
	return parseHostServ(&host[0], &serv[0])
}

func parseHostServ(host, serv *C.char) (string, int) {
	ip := C.GoString(host)
	portStr := C.GoString(serv)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ip, 0
	}
	return ip, port
}
