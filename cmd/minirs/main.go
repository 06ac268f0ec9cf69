// Command minirs runs a demo responder and issues requests against it with
// each of the four interaction models.
//
//	minirs serve --metrics-addr :9090
//	minirs request-response --name superpil
//	minirs stream --count 5
//	minirs channel --interval 1s --count 3
package main

func main() {
	Execute()
}
