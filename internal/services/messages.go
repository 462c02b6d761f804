package services

import "fmt"

// GreetingMessage is the first message sent to the customer when an
// operator takes over the chat
func GreetingMessage(customerName, operatorName string) string {
	return fmt.Sprintf("Olá, %s. Meu nome é %s e irei dar continuidade ao seu atendimento.😉❤", customerName, operatorName)
}

// PingMessage asks an unresponsive customer whether they are still present
func PingMessage(customerName string) string {
	return fmt.Sprintf("Olá, %s. Você ainda está no chat?", customerName)
}

// ClosureMessage tells the customer the chat is being closed for inactivity
func ClosureMessage(customerName string) string {
	return fmt.Sprintf("Olá, %s. Identificamos que você está inativo e seu chat será encerrado por inatividade.", customerName)
}
